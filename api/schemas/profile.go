package schemas

import (
	"strings"
	"time"
)

// -- Identity Models --
// A fingerprint profile is an immutable identity: once loaded, its attribute
// set never changes. Only registry bookkeeping (use counts, last-used) moves.

// PlatformTag identifies the OS/browser/version triple a profile claims.
type PlatformTag struct {
	OS      string `json:"os" mapstructure:"os"`
	Browser string `json:"browser" mapstructure:"browser"`
	Version string `json:"version" mapstructure:"version"`
}

// String renders the tag in the canonical "browser-os" form used by
// platform preferences, e.g. "chrome-windows".
func (t PlatformTag) String() string {
	return t.Browser + "-" + t.OS
}

// Matches reports whether the tag satisfies a platform preference string.
// An empty preference matches everything. A preference of the form
// "browser-os" must match both parts; a single token matches either part.
func (t PlatformTag) Matches(preference string) bool {
	if preference == "" {
		return true
	}
	pref := strings.ToLower(preference)
	browser, os, found := strings.Cut(pref, "-")
	if !found {
		return strings.EqualFold(t.Browser, pref) || strings.EqualFold(t.OS, pref)
	}
	return strings.EqualFold(t.Browser, browser) && strings.EqualFold(t.OS, os)
}

// Attribute is a single named fingerprint surface value (canvas hash, WebGL
// renderer string, a navigator field, screen geometry...). Values are kept
// as strings; consumers parse what they need.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Profile is one synthetic browser identity as loaded from the catalog.
// The attribute order is preserved from the catalog file because some
// consumers replay attributes in declaration order.
type Profile struct {
	ID         string      `json:"id"`
	Platform   PlatformTag `json:"platform"`
	Attributes []Attribute `json:"attributes"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
}

// Attr returns the value of the named attribute and whether it exists.
func (p *Profile) Attr(name string) (string, bool) {
	for _, a := range p.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}
