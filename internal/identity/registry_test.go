package identity

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
)

func testIdentityConfig() config.IdentityConfig {
	return config.IdentityConfig{
		MaxUseCount: 100,
		MaxAge:      24 * time.Hour,
		StrikeLimit: 3,
	}
}

// firefoxLinuxProfile is a second platform flavor for preference tests.
func firefoxLinuxProfile(id string) schemas.Profile {
	return schemas.Profile{
		ID:       id,
		Platform: schemas.PlatformTag{OS: "linux", Browser: "firefox", Version: "127"},
		Attributes: []schemas.Attribute{
			{Name: "navigator.platform", Value: "Linux x86_64"},
			{Name: "navigator.userAgent", Value: "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0"},
			{Name: "screen.width", Value: "1920"},
			{Name: "screen.height", Value: "1080"},
		},
	}
}

func newTestRegistry(t *testing.T, profiles ...schemas.Profile) *Registry {
	t.Helper()
	reg := NewRegistry(testIdentityConfig(), zap.NewNop())
	valid, invalid := reg.Load(profiles)
	require.Equal(t, len(profiles), valid+invalid)
	return reg
}

func TestSelectCyclesLeastUsedThenLRU(t *testing.T) {
	// -- Setup --
	// Five valid profiles; the platform preference matches exactly two.
	reg := newTestRegistry(t,
		chromeWindowsProfile("win-a"),
		chromeWindowsProfile("win-b"),
		firefoxLinuxProfile("lin-a"),
		firefoxLinuxProfile("lin-b"),
		firefoxLinuxProfile("lin-c"),
	)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return clock }

	// -- Execution & Assertions --
	// Repeated selection must alternate between the two matches: never pick
	// one again while the other has a lower use count.
	var picks []string
	for i := 0; i < 6; i++ {
		id, err := reg.Select("chrome-windows", nil)
		require.NoError(t, err)
		reg.RecordUse(id)
		clock = clock.Add(time.Second)
		picks = append(picks, id)
	}

	assert.Equal(t, []string{"win-a", "win-b", "win-a", "win-b", "win-a", "win-b"}, picks)

	countA, _ := reg.UseCount("win-a")
	countB, _ := reg.UseCount("win-b")
	assert.Equal(t, 3, countA)
	assert.Equal(t, 3, countB)
}

func TestSelectTieBreaksByOldestLastUsed(t *testing.T) {
	reg := newTestRegistry(t, chromeWindowsProfile("win-a"), chromeWindowsProfile("win-b"))

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return clock }

	// Use both once so their counts tie, with win-b touched more recently.
	reg.RecordUse("win-a")
	clock = clock.Add(time.Minute)
	reg.RecordUse("win-b")
	clock = clock.Add(time.Minute)

	id, err := reg.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, "win-a", id, "equal use counts should fall back to least recently used")
}

func TestSelectHonorsExclusionsAndPreference(t *testing.T) {
	reg := newTestRegistry(t,
		chromeWindowsProfile("win-a"),
		chromeWindowsProfile("win-b"),
		firefoxLinuxProfile("lin-a"),
	)

	// Excluding both windows profiles with a windows preference exhausts it.
	exclude := map[string]struct{}{"win-a": {}, "win-b": {}}
	_, err := reg.Select("chrome-windows", exclude)
	assert.ErrorIs(t, err, ErrNoEligibleProfile)

	// The relaxed pass (no preference) still finds the linux profile.
	id, err := reg.Select("", exclude)
	require.NoError(t, err)
	assert.Equal(t, "lin-a", id)
}

func TestInvalidProfileIsNeverSelected(t *testing.T) {
	broken := setAttr(chromeWindowsProfile("win-broken"), "navigator.platform", "MacIntel")
	reg := newTestRegistry(t, broken, chromeWindowsProfile("win-ok"))

	for i := 0; i < 5; i++ {
		id, err := reg.Select("chrome-windows", nil)
		require.NoError(t, err)
		assert.Equal(t, "win-ok", id)
		reg.RecordUse(id)
	}

	stats := reg.Snapshot()
	assert.Equal(t, 1, stats.Invalid)
	assert.Equal(t, []string{"platform-navigator: navigator.platform is \"MacIntel\" but OS \"windows\" reports \"Win32\""},
		reg.Violations("win-broken"))
}

func TestUseCeilingRetiresProfile(t *testing.T) {
	cfg := testIdentityConfig()
	cfg.MaxUseCount = 2
	reg := NewRegistry(cfg, zap.NewNop())
	reg.Load([]schemas.Profile{chromeWindowsProfile("win-a"), chromeWindowsProfile("win-b")})

	// Two uses retire win-a; selection then only ever sees win-b until it
	// too crosses the ceiling and the pool is exhausted.
	reg.RecordUse("win-a")
	reg.RecordUse("win-a")

	id, err := reg.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, "win-b", id)

	reg.RecordUse("win-b")
	reg.RecordUse("win-b")

	_, err = reg.Select("", nil)
	assert.ErrorIs(t, err, ErrNoEligibleProfile)
	assert.Equal(t, 2, reg.Snapshot().Retired)
}

func TestAgeCeilingRetiresProfile(t *testing.T) {
	cfg := testIdentityConfig()
	cfg.MaxAge = time.Hour
	reg := NewRegistry(cfg, zap.NewNop())
	reg.Load([]schemas.Profile{chromeWindowsProfile("win-old")})

	clock := time.Now()
	reg.now = func() time.Time { return clock }

	_, err := reg.Select("", nil)
	require.NoError(t, err, "fresh profile should be selectable")

	clock = clock.Add(2 * time.Hour)
	_, err = reg.Select("", nil)
	assert.ErrorIs(t, err, ErrNoEligibleProfile, "profile past the age ceiling must be retired")
}

func TestStrikesRetireProfile(t *testing.T) {
	reg := newTestRegistry(t, chromeWindowsProfile("win-a"), chromeWindowsProfile("win-b"))

	// Strike limit is 3 in the test config.
	reg.RecordStrike("win-a")
	reg.RecordStrike("win-a")
	_, err := reg.Select("chrome-windows", map[string]struct{}{"win-b": {}})
	require.NoError(t, err, "two strikes should not retire yet")

	reg.RecordStrike("win-a")
	_, err = reg.Select("chrome-windows", map[string]struct{}{"win-b": {}})
	assert.ErrorIs(t, err, ErrNoEligibleProfile)
}

func TestReplaceCarriesBookkeepingOver(t *testing.T) {
	reg := newTestRegistry(t, chromeWindowsProfile("win-a"), chromeWindowsProfile("win-b"))
	reg.RecordUse("win-a")
	reg.RecordUse("win-a")
	reg.RecordUse("win-b")

	// Swap in a catalog keeping win-a, dropping win-b, adding win-c.
	valid, invalid := reg.Replace([]schemas.Profile{
		chromeWindowsProfile("win-a"),
		chromeWindowsProfile("win-c"),
	})
	assert.Equal(t, 2, valid)
	assert.Equal(t, 0, invalid)

	countA, ok := reg.UseCount("win-a")
	require.True(t, ok)
	assert.Equal(t, 2, countA, "use count must survive a hot swap")

	_, ok = reg.UseCount("win-b")
	assert.False(t, ok, "dropped profile must leave the registry")

	// The fresh profile starts at zero and therefore wins selection.
	id, err := reg.Select("chrome-windows", nil)
	require.NoError(t, err)
	assert.Equal(t, "win-c", id)
}

func TestReplaceIsSafeUnderConcurrentBookkeeping(t *testing.T) {
	reg := newTestRegistry(t, chromeWindowsProfile("win-a"), chromeWindowsProfile("win-b"))

	// Hammer the registry with swaps, selections and use recording at once.
	// The swap must carry bookkeeping atomically; interleaved writers must
	// never observe a half-installed table.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reg.RecordUse("win-a")
				if id, err := reg.Select("", nil); err == nil {
					reg.RecordUse(id)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			reg.Replace([]schemas.Profile{
				chromeWindowsProfile("win-a"),
				chromeWindowsProfile("win-b"),
			})
		}
	}()
	wg.Wait()

	// Both profiles survived every swap; their records are intact.
	_, ok := reg.UseCount("win-a")
	assert.True(t, ok)
	_, ok = reg.UseCount("win-b")
	assert.True(t, ok)
	assert.Equal(t, 2, reg.Snapshot().Total)
}

func TestProfileReturnsStoredCopy(t *testing.T) {
	original := chromeWindowsProfile("win-a")
	reg := newTestRegistry(t, original)

	got, ok := reg.Profile("win-a")
	require.True(t, ok)
	if diff := cmp.Diff(original, got); diff != "" {
		t.Errorf("stored profile mismatch (-want +got):\n%s", diff)
	}

	_, ok = reg.Profile("missing")
	assert.False(t, ok)
}

func TestLoadCatalog(t *testing.T) {
	t.Run("should parse a well formed catalog", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "profiles.json")
		payload := `[
  {
    "id": "win-1",
    "platform": {"os": "windows", "browser": "chrome", "version": "126"},
    "attributes": [
      {"name": "navigator.platform", "value": "Win32"},
      {"name": "screen.width", "value": "1920"}
    ]
  }
]`
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

		profiles, err := LoadCatalog(path)
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Equal(t, "win-1", profiles[0].ID)
		val, ok := profiles[0].Attr("navigator.platform")
		require.True(t, ok)
		assert.Equal(t, "Win32", val)
	})

	t.Run("should fail fast on corrupt JSON", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "profiles.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id": "x"`), 0o644))

		_, err := LoadCatalog(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt")
	})

	t.Run("should reject duplicate ids", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "profiles.json")
		payload := `[{"id": "dup", "platform": {"os": "windows", "browser": "chrome"}}, {"id": "dup", "platform": {"os": "linux", "browser": "firefox"}}]`
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

		_, err := LoadCatalog(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate profile id")
	})

	t.Run("should report a missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, err)
	})
}
