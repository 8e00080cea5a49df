package rate

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
)

func testRateConfig() config.RateConfig {
	return config.RateConfig{
		DefaultRPM:            60.0,
		FloorRPM:              1.0,
		CeilingRPM:            120.0,
		BackoffFactor:         2.0,
		MaxMultiplier:         32.0,
		CooldownStreak:        30,
		MinSpacing:            100 * time.Millisecond,
		MaxSpacing:            5 * time.Minute,
		JitterFraction:        0.35,
		CaptchaWindow:         10 * time.Minute,
		CaptchaStormThreshold: 5,
		MaxDomains:            100,
	}
}

// newTestController pins the clock so pacing math is deterministic.
func newTestController(t *testing.T, cfg config.RateConfig) (*Controller, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(cfg, zap.NewNop(), 42)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestObserveBackoffAndRecovery(t *testing.T) {
	t.Run("one captcha halves the permitted rate", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())

		require.InDelta(t, 60.0, c.PermittedRPM("example.com"), 0.001)

		c.Observe("example.com", schemas.OutcomeCaptcha)

		assert.InDelta(t, 30.0, c.PermittedRPM("example.com"), 0.001)
		assert.Equal(t, RegimeBackoff, c.RegimeOf("example.com"))
	})

	t.Run("recovery requires the full cooldown streak", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())
		c.Observe("example.com", schemas.OutcomeCaptcha)

		// 29 successes: still one short of the streak, nothing moves.
		for i := 0; i < 29; i++ {
			c.Observe("example.com", schemas.OutcomeSuccess)
		}
		assert.InDelta(t, 30.0, c.PermittedRPM("example.com"), 0.001)
		assert.Equal(t, RegimeBackoff, c.RegimeOf("example.com"))

		// The 30th completes the streak and advances exactly one step.
		c.Observe("example.com", schemas.OutcomeSuccess)
		assert.InDelta(t, 60.0, c.PermittedRPM("example.com"), 0.001)
		assert.Equal(t, RegimeNominal, c.RegimeOf("example.com"))
	})

	t.Run("negative outcomes never decrease the multiplier", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())

		last := 1.0
		outcomes := []schemas.OutcomeKind{
			schemas.OutcomeCaptcha, schemas.OutcomeRateLimited,
			schemas.OutcomeCaptcha, schemas.OutcomeRateLimited,
		}
		for _, kind := range outcomes {
			c.Observe("example.com", kind)
			rpm := c.PermittedRPM("example.com")
			multiplier := 60.0 / rpm
			assert.GreaterOrEqual(t, multiplier, last, "multiplier must be monotone under negative signals")
			last = multiplier
		}
	})

	t.Run("a negative outcome resets the success streak", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())
		c.Observe("example.com", schemas.OutcomeCaptcha)
		c.Observe("example.com", schemas.OutcomeCaptcha)

		for i := 0; i < 29; i++ {
			c.Observe("example.com", schemas.OutcomeSuccess)
		}
		c.Observe("example.com", schemas.OutcomeRateLimited)

		// The interrupted streak must restart from zero; 30 more successes
		// unwind only one of the three backoff steps.
		for i := 0; i < 30; i++ {
			c.Observe("example.com", schemas.OutcomeSuccess)
		}
		assert.InDelta(t, 15.0, c.PermittedRPM("example.com"), 0.001)
	})

	t.Run("proxy faults leave domain pacing untouched", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())
		c.Observe("example.com", schemas.OutcomeProxyFailure)
		c.Observe("example.com", schemas.OutcomeTimeout)

		assert.InDelta(t, 60.0, c.PermittedRPM("example.com"), 0.001)
		assert.Equal(t, RegimeNominal, c.RegimeOf("example.com"))
	})
}

func TestPermittedRateStaysClamped(t *testing.T) {
	cfg := testRateConfig()
	c, _ := newTestController(t, cfg)

	// An adversarial outcome sequence: storms of negatives, runs of
	// successes, faults mixed in. The clamp must hold throughout.
	sequence := []schemas.OutcomeKind{}
	for i := 0; i < 40; i++ {
		sequence = append(sequence, schemas.OutcomeCaptcha, schemas.OutcomeRateLimited)
	}
	for i := 0; i < 500; i++ {
		sequence = append(sequence, schemas.OutcomeSuccess)
	}
	sequence = append(sequence, schemas.OutcomeTimeout, schemas.OutcomeProxyFailure)

	for _, kind := range sequence {
		c.Observe("example.com", kind)
		rpm := c.PermittedRPM("example.com")
		require.GreaterOrEqual(t, rpm, cfg.FloorRPM)
		require.LessOrEqual(t, rpm, cfg.CeilingRPM)
	}
}

func TestCaptchaStormFloorsTheRate(t *testing.T) {
	cfg := testRateConfig()
	// A gentle factor so gradual backoff stays far from the cap and the
	// storm jump is observable.
	cfg.BackoffFactor = 1.5
	c, _ := newTestController(t, cfg)

	// Four hits inside the window: ordinary backoff, 1.5^4 ~= 5.06.
	for i := 0; i < 4; i++ {
		c.Observe("example.com", schemas.OutcomeCaptcha)
	}
	assert.InDelta(t, 60.0/5.0625, c.PermittedRPM("example.com"), 0.001)

	// The fifth crosses the storm threshold: straight to the cap.
	c.Observe("example.com", schemas.OutcomeCaptcha)
	assert.InDelta(t, 60.0/cfg.MaxMultiplier, c.PermittedRPM("example.com"), 0.001)
	assert.Equal(t, RegimeBackoff, c.RegimeOf("example.com"))
}

func TestNextDispatch(t *testing.T) {
	t.Run("dispatch time is never before the recorded cursor", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())

		prev := c.NextDispatch("example.com")
		for i := 0; i < 50; i++ {
			at := c.NextDispatch("example.com")
			require.False(t, at.Before(prev), "dispatch times must be monotone")
			prev = at
		}
	})

	t.Run("spacing honors the configured bounds", func(t *testing.T) {
		cfg := testRateConfig()
		cfg.DefaultRPM = 60.0 // nominal interval 1s
		c, _ := newTestController(t, cfg)

		prev := c.NextDispatch("example.com")
		for i := 0; i < 100; i++ {
			at := c.NextDispatch("example.com")
			gap := at.Sub(prev)
			require.GreaterOrEqual(t, gap, cfg.MinSpacing)
			require.LessOrEqual(t, gap, cfg.MaxSpacing)
			prev = at
		}
	})

	t.Run("intervals are irregular", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())

		gaps := make(map[time.Duration]struct{})
		prev := c.NextDispatch("example.com")
		for i := 0; i < 50; i++ {
			at := c.NextDispatch("example.com")
			gaps[at.Sub(prev)] = struct{}{}
			prev = at
		}
		assert.Greater(t, len(gaps), 1, "jitter should vary the spacing")
	})

	t.Run("past cursor snaps to now", func(t *testing.T) {
		c, now := newTestController(t, testRateConfig())

		c.NextDispatch("example.com")
		*now = now.Add(time.Hour)

		at := c.NextDispatch("example.com")
		assert.Equal(t, *now, at, "a stale cursor must not schedule in the past")
	})
}

func TestEviction(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxDomains = 3
	c, now := newTestController(t, cfg)

	c.Observe("a.com", schemas.OutcomeSuccess)
	*now = now.Add(time.Minute)
	c.Observe("b.com", schemas.OutcomeCaptcha) // Backoff: never evicted
	*now = now.Add(time.Minute)
	c.Observe("c.com", schemas.OutcomeSuccess)
	*now = now.Add(time.Minute)

	// The table is full; the oldest Nominal entry (a.com) must make room.
	c.Observe("d.com", schemas.OutcomeSuccess)

	c.mu.RLock()
	_, aPresent := c.domains["a.com"]
	_, bPresent := c.domains["b.com"]
	c.mu.RUnlock()
	assert.False(t, aPresent, "oldest nominal entry should be evicted")
	assert.True(t, bPresent, "backoff entries carry learned caution and must survive")
}

func TestSnapshotRestore(t *testing.T) {
	t.Run("round trip preserves pacing state", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())
		c.Observe("example.com", schemas.OutcomeCaptcha)
		c.NextDispatch("example.com")

		snap := c.Snapshot()
		require.Len(t, snap, 1)

		restored, _ := newTestController(t, testRateConfig())
		require.NoError(t, restored.Restore(snap))

		got := restored.Snapshot()
		// UpdatedAt is re-stamped on restore; compare everything else.
		diff := cmp.Diff(snap, got, cmp.FilterPath(func(p cmp.Path) bool {
			return p.Last().String() == ".UpdatedAt"
		}, cmp.Ignore()))
		assert.Empty(t, diff)
		assert.InDelta(t, 30.0, restored.PermittedRPM("example.com"), 0.001)
	})

	t.Run("corrupt snapshots are rejected", func(t *testing.T) {
		c, _ := newTestController(t, testRateConfig())

		err := c.Restore([]schemas.RateSnapshot{{
			Domain: "example.com", Regime: "backoff", Multiplier: 4096.0,
		}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRateCeilingExceeded)

		err = c.Restore([]schemas.RateSnapshot{{
			Domain: "example.com", Regime: "warp-speed", Multiplier: 2.0,
		}})
		require.Error(t, err)
	})
}

func TestJitterSourceBounds(t *testing.T) {
	j := newJitterSource(7)
	for i := 0; i < 1000; i++ {
		v := j.Sample()
		require.GreaterOrEqual(t, v, -1.0)
		require.LessOrEqual(t, v, 1.0)
	}
}
