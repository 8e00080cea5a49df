package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xkilldash9x/shroud/api/schemas"
)

// Well-known attribute names consulted by the rule battery. Catalogs may
// carry any additional attributes; the rules only look at these.
const (
	attrNavigatorPlatform   = "navigator.platform"
	attrUserAgent           = "navigator.userAgent"
	attrHardwareConcurrency = "navigator.hardwareConcurrency"
	attrScreenWidth         = "screen.width"
	attrScreenHeight        = "screen.height"
	attrAvailWidth          = "screen.availWidth"
	attrAvailHeight         = "screen.availHeight"
	attrTimezone            = "intl.timezone"
	attrLocale              = "intl.locale"
	attrFonts               = "fonts.sample"
)

// Rule is one named consistency check. A profile must pass every rule to be
// selectable. Rules report a descriptive error; Validate aggregates them.
type Rule struct {
	Name  string
	Check func(p *schemas.Profile) error
}

// InconsistencyError carries every violated rule for one profile.
type InconsistencyError struct {
	ProfileID  string
	Violations []string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("profile %s failed consistency checks: %s", e.ProfileID, strings.Join(e.Violations, "; "))
}

// navigatorPlatforms maps an OS tag to the navigator.platform value real
// browsers report on it.
var navigatorPlatforms = map[string]string{
	"windows": "Win32",
	"macos":   "MacIntel",
	"linux":   "Linux x86_64",
	"android": "Linux armv8l",
	"ios":     "iPhone",
}

// uaOSMarkers and uaBrowserMarkers are substrings a user agent string must
// contain to be plausible for the claimed platform tag.
var uaOSMarkers = map[string]string{
	"windows": "Windows NT",
	"macos":   "Macintosh",
	"linux":   "X11; Linux",
	"android": "Android",
	"ios":     "iPhone",
}

var uaBrowserMarkers = map[string]string{
	"chrome":  "Chrome/",
	"firefox": "Firefox/",
	"safari":  "Version/",
	"edge":    "Edg/",
}

// deviceGeometries lists screen resolutions observed on real hardware per
// OS class. A profile claiming a geometry outside this catalog is rejected.
var deviceGeometries = map[string]map[string]struct{}{
	"windows": desktopGeometries,
	"linux":   desktopGeometries,
	"macos": geometrySet(
		"1440x900", "1680x1050", "2560x1600", "2880x1800",
		"3024x1964", "3456x2234", "5120x2880",
	),
	"android": geometrySet(
		"360x780", "360x800", "384x854", "393x873", "412x915",
	),
	"ios": geometrySet(
		"375x812", "390x844", "393x852", "428x926", "430x932",
	),
}

var desktopGeometries = geometrySet(
	"1280x720", "1366x768", "1440x900", "1536x864", "1600x900",
	"1680x1050", "1920x1080", "2560x1080", "2560x1440", "3840x2160",
)

func geometrySet(dims ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		set[d] = struct{}{}
	}
	return set
}

// fontSignatures holds, per OS, one font every real installation ships and
// fonts exclusive to other systems that must not appear.
var fontSignatures = map[string]struct {
	required  string
	forbidden []string
}{
	"windows": {required: "Segoe UI", forbidden: []string{"Helvetica Neue", "San Francisco"}},
	"macos":   {required: "Helvetica Neue", forbidden: []string{"Segoe UI"}},
	"linux":   {required: "DejaVu Sans", forbidden: []string{"Segoe UI", "Helvetica Neue"}},
	"android": {required: "Roboto", forbidden: []string{"Segoe UI"}},
	"ios":     {required: "Helvetica Neue", forbidden: []string{"Segoe UI"}},
}

// zoneCountries maps an IANA zone to the countries a locale may plausibly
// claim alongside it. Zones absent from the table are not judged.
var zoneCountries = map[string][]string{
	"America/New_York":    {"US", "CA"},
	"America/Chicago":     {"US"},
	"America/Denver":      {"US"},
	"America/Los_Angeles": {"US"},
	"America/Toronto":     {"CA"},
	"America/Mexico_City": {"MX"},
	"America/Sao_Paulo":   {"BR"},
	"Europe/London":       {"GB", "IE"},
	"Europe/Paris":        {"FR"},
	"Europe/Berlin":       {"DE", "AT"},
	"Europe/Madrid":       {"ES"},
	"Europe/Rome":         {"IT"},
	"Europe/Amsterdam":    {"NL"},
	"Europe/Warsaw":       {"PL"},
	"Europe/Moscow":       {"RU"},
	"Asia/Tokyo":          {"JP"},
	"Asia/Shanghai":       {"CN"},
	"Asia/Seoul":          {"KR"},
	"Asia/Kolkata":        {"IN"},
	"Asia/Singapore":      {"SG"},
	"Australia/Sydney":    {"AU"},
}

// defaultRules returns the fixed consistency battery. Order matters only for
// report readability.
func defaultRules() []Rule {
	return []Rule{
		{Name: "platform-navigator", Check: checkPlatformNavigator},
		{Name: "ua-platform", Check: checkUserAgentPlatform},
		{Name: "screen-geometry", Check: checkScreenGeometry},
		{Name: "font-signature", Check: checkFontSignature},
		{Name: "timezone-locale", Check: checkTimezoneLocale},
		{Name: "hardware-concurrency", Check: checkHardwareConcurrency},
	}
}

func checkPlatformNavigator(p *schemas.Profile) error {
	val, ok := p.Attr(attrNavigatorPlatform)
	if !ok {
		return fmt.Errorf("%s is required", attrNavigatorPlatform)
	}
	want, known := navigatorPlatforms[strings.ToLower(p.Platform.OS)]
	if !known {
		return fmt.Errorf("unknown platform OS %q", p.Platform.OS)
	}
	if val != want {
		return fmt.Errorf("%s is %q but OS %q reports %q", attrNavigatorPlatform, val, p.Platform.OS, want)
	}
	return nil
}

func checkUserAgentPlatform(p *schemas.Profile) error {
	ua, ok := p.Attr(attrUserAgent)
	if !ok {
		return fmt.Errorf("%s is required", attrUserAgent)
	}
	osMarker, known := uaOSMarkers[strings.ToLower(p.Platform.OS)]
	if !known {
		return fmt.Errorf("unknown platform OS %q", p.Platform.OS)
	}
	if !strings.Contains(ua, osMarker) {
		return fmt.Errorf("user agent lacks the %q marker for OS %q", osMarker, p.Platform.OS)
	}
	browserMarker, known := uaBrowserMarkers[strings.ToLower(p.Platform.Browser)]
	if !known {
		return fmt.Errorf("unknown platform browser %q", p.Platform.Browser)
	}
	if !strings.Contains(ua, browserMarker) {
		return fmt.Errorf("user agent lacks the %q marker for browser %q", browserMarker, p.Platform.Browser)
	}
	return nil
}

func checkScreenGeometry(p *schemas.Profile) error {
	width, err := intAttr(p, attrScreenWidth)
	if err != nil {
		return err
	}
	height, err := intAttr(p, attrScreenHeight)
	if err != nil {
		return err
	}

	class := strings.ToLower(p.Platform.OS)
	catalog, known := deviceGeometries[class]
	if !known {
		return fmt.Errorf("no device geometry catalog for OS %q", p.Platform.OS)
	}
	key := fmt.Sprintf("%dx%d", width, height)
	if _, plausible := catalog[key]; !plausible {
		return fmt.Errorf("geometry %s is not a known %s device resolution", key, class)
	}

	// Available dimensions, when present, can never exceed the physical ones.
	if raw, ok := p.Attr(attrAvailWidth); ok {
		avail, err := strconv.Atoi(raw)
		if err != nil || avail > width {
			return fmt.Errorf("%s %q exceeds or malforms against width %d", attrAvailWidth, raw, width)
		}
	}
	if raw, ok := p.Attr(attrAvailHeight); ok {
		avail, err := strconv.Atoi(raw)
		if err != nil || avail > height {
			return fmt.Errorf("%s %q exceeds or malforms against height %d", attrAvailHeight, raw, height)
		}
	}
	return nil
}

func checkFontSignature(p *schemas.Profile) error {
	raw, ok := p.Attr(attrFonts)
	if !ok {
		// Font sampling is optional; absent means no opinion.
		return nil
	}
	sig, known := fontSignatures[strings.ToLower(p.Platform.OS)]
	if !known {
		return fmt.Errorf("no font signature for OS %q", p.Platform.OS)
	}

	fonts := make(map[string]struct{})
	for _, f := range strings.Split(raw, ",") {
		fonts[strings.TrimSpace(f)] = struct{}{}
	}
	if _, present := fonts[sig.required]; !present {
		return fmt.Errorf("font list is missing the %s signature font %q", p.Platform.OS, sig.required)
	}
	for _, foreign := range sig.forbidden {
		if _, present := fonts[foreign]; present {
			return fmt.Errorf("font list contains %q, which does not ship on %s", foreign, p.Platform.OS)
		}
	}
	return nil
}

func checkTimezoneLocale(p *schemas.Profile) error {
	zone, hasZone := p.Attr(attrTimezone)
	locale, hasLocale := p.Attr(attrLocale)
	if !hasZone || !hasLocale {
		// Both are optional; the rule only fires when the pair is present.
		return nil
	}
	countries, known := zoneCountries[zone]
	if !known {
		return nil
	}
	_, region, found := strings.Cut(locale, "-")
	if !found {
		return fmt.Errorf("locale %q has no region part to check against zone %q", locale, zone)
	}
	region = strings.ToUpper(region)
	for _, c := range countries {
		if region == c {
			return nil
		}
	}
	return fmt.Errorf("locale region %q is implausible for timezone %q", region, zone)
}

func checkHardwareConcurrency(p *schemas.Profile) error {
	raw, ok := p.Attr(attrHardwareConcurrency)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not an integer", attrHardwareConcurrency, raw)
	}
	if n < 2 || n > 32 {
		return fmt.Errorf("%s %d is outside the plausible range [2, 32]", attrHardwareConcurrency, n)
	}
	return nil
}

func intAttr(p *schemas.Profile, name string) (int, error) {
	raw, ok := p.Attr(name)
	if !ok {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", name, raw)
	}
	return n, nil
}
