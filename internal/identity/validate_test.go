package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/shroud/api/schemas"
	"go.uber.org/zap"
)

// chromeWindowsProfile builds a profile that passes the full rule battery.
// Tests mutate individual attributes to trigger specific rules.
func chromeWindowsProfile(id string) schemas.Profile {
	return schemas.Profile{
		ID:       id,
		Platform: schemas.PlatformTag{OS: "windows", Browser: "chrome", Version: "126"},
		Attributes: []schemas.Attribute{
			{Name: "navigator.platform", Value: "Win32"},
			{Name: "navigator.userAgent", Value: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"},
			{Name: "navigator.hardwareConcurrency", Value: "8"},
			{Name: "screen.width", Value: "1920"},
			{Name: "screen.height", Value: "1080"},
			{Name: "screen.availWidth", Value: "1920"},
			{Name: "screen.availHeight", Value: "1040"},
			{Name: "intl.timezone", Value: "America/New_York"},
			{Name: "intl.locale", Value: "en-US"},
			{Name: "fonts.sample", Value: "Arial, Segoe UI, Tahoma, Verdana"},
			{Name: "canvas.hash", Value: "9f2ac41d77"},
		},
	}
}

// setAttr replaces or appends one attribute without disturbing order.
func setAttr(p schemas.Profile, name, value string) schemas.Profile {
	for i, a := range p.Attributes {
		if a.Name == name {
			p.Attributes[i].Value = value
			return p
		}
	}
	p.Attributes = append(p.Attributes, schemas.Attribute{Name: name, Value: value})
	return p
}

// dropAttr removes one attribute.
func dropAttr(p schemas.Profile, name string) schemas.Profile {
	out := p.Attributes[:0:0]
	for _, a := range p.Attributes {
		if a.Name != name {
			out = append(out, a)
		}
	}
	p.Attributes = out
	return p
}

func TestValidateRules(t *testing.T) {
	testCases := []struct {
		name         string
		mutate       func(schemas.Profile) schemas.Profile
		wantRule     string
		wantFragment string
	}{
		{
			name:   "fully consistent profile passes",
			mutate: func(p schemas.Profile) schemas.Profile { return p },
		},
		{
			name:     "navigator platform disagrees with OS tag",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "navigator.platform", "MacIntel") },
			wantRule: "platform-navigator",
		},
		{
			name:     "navigator platform missing",
			mutate:   func(p schemas.Profile) schemas.Profile { return dropAttr(p, "navigator.platform") },
			wantRule: "platform-navigator",
		},
		{
			name: "user agent claims the wrong OS",
			mutate: func(p schemas.Profile) schemas.Profile {
				return setAttr(p, "navigator.userAgent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
			},
			wantRule:     "ua-platform",
			wantFragment: "Windows NT",
		},
		{
			name: "user agent lacks the browser marker",
			mutate: func(p schemas.Profile) schemas.Profile {
				return setAttr(p, "navigator.userAgent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0")
			},
			wantRule:     "ua-platform",
			wantFragment: "Chrome/",
		},
		{
			name:     "screen geometry not in the device catalog",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "screen.width", "1921") },
			wantRule: "screen-geometry",
		},
		{
			name:     "avail height exceeds physical height",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "screen.availHeight", "1200") },
			wantRule: "screen-geometry",
		},
		{
			name:     "font list missing the OS signature font",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "fonts.sample", "Arial, Tahoma, Verdana") },
			wantRule: "font-signature",
		},
		{
			name:     "font list carries a foreign OS font",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "fonts.sample", "Arial, Segoe UI, Helvetica Neue") },
			wantRule: "font-signature",
		},
		{
			name:     "locale region implausible for timezone",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "intl.locale", "de-DE") },
			wantRule: "timezone-locale",
		},
		{
			name:   "unknown timezone is not judged",
			mutate: func(p schemas.Profile) schemas.Profile { return setAttr(p, "intl.timezone", "Antarctica/Troll") },
		},
		{
			name:   "absent locale pair skips the rule",
			mutate: func(p schemas.Profile) schemas.Profile { return dropAttr(p, "intl.locale") },
		},
		{
			name:     "hardware concurrency out of range",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "navigator.hardwareConcurrency", "1") },
			wantRule: "hardware-concurrency",
		},
		{
			name:     "hardware concurrency not numeric",
			mutate:   func(p schemas.Profile) schemas.Profile { return setAttr(p, "navigator.hardwareConcurrency", "eight") },
			wantRule: "hardware-concurrency",
		},
		{
			name:   "absent font sample skips the rule",
			mutate: func(p schemas.Profile) schemas.Profile { return dropAttr(p, "fonts.sample") },
		},
	}

	reg := NewRegistry(testIdentityConfig(), zap.NewNop())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.mutate(chromeWindowsProfile("p-1"))
			err := reg.Validate(&p)

			if tc.wantRule == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var inc *InconsistencyError
			require.ErrorAs(t, err, &inc)
			assert.Equal(t, "p-1", inc.ProfileID)

			found := false
			for _, v := range inc.Violations {
				if len(v) >= len(tc.wantRule) && v[:len(tc.wantRule)] == tc.wantRule {
					found = true
					if tc.wantFragment != "" {
						assert.Contains(t, v, tc.wantFragment)
					}
				}
			}
			assert.True(t, found, "expected a %q violation, got %v", tc.wantRule, inc.Violations)
		})
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	p := chromeWindowsProfile("p-multi")
	p = setAttr(p, "navigator.platform", "MacIntel")
	p = setAttr(p, "screen.width", "123")
	p = setAttr(p, "navigator.hardwareConcurrency", "64")

	reg := NewRegistry(testIdentityConfig(), zap.NewNop())
	err := reg.Validate(&p)
	require.Error(t, err)

	var inc *InconsistencyError
	require.ErrorAs(t, err, &inc)
	assert.Len(t, inc.Violations, 3, "each failing rule should be reported once")
	assert.Contains(t, err.Error(), "p-multi")
}

func TestMacProfileFontAndPlatformRules(t *testing.T) {
	p := schemas.Profile{
		ID:       "mac-1",
		Platform: schemas.PlatformTag{OS: "macos", Browser: "safari", Version: "17"},
		Attributes: []schemas.Attribute{
			{Name: "navigator.platform", Value: "MacIntel"},
			{Name: "navigator.userAgent", Value: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"},
			{Name: "screen.width", Value: "2560"},
			{Name: "screen.height", Value: "1600"},
			{Name: "fonts.sample", Value: "Helvetica Neue, Geneva, Monaco"},
		},
	}

	reg := NewRegistry(testIdentityConfig(), zap.NewNop())
	assert.NoError(t, reg.Validate(&p))

	// A Windows-exclusive font on macOS must fail the signature rule.
	bad := setAttr(p, "fonts.sample", "Helvetica Neue, Segoe UI")
	err := reg.Validate(&bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "font-signature")
}
