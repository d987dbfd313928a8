package normalize

import (
	"regexp"
	"strings"
)

// UserAgent is the decomposed form of a User-Agent header.
type UserAgent struct {
	BrowserName    string // "Unknown" when unrecognized
	BrowserVersion string // "" when unrecognized
	OSName         string // "Unknown" when unrecognized
	DeviceType     string // desktop | mobile | tablet | unknown
}

var (
	browserRe = regexp.MustCompile(`(?i)(Chrome|Firefox|Safari|Edge|Opera|WebView)/(\d+\.\d+)`)
	osRe      = regexp.MustCompile(`(?i)(Windows NT|Mac OS X|Linux|Android|iOS)[\s/]?([\d._]+)?`)
	mobileRe  = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPad`)
)

// ParseUserAgent decomposes a User-Agent string by pattern matching.
// Absent or unrecognized input yields "Unknown"/"unknown" defaults, never
// an error.
func ParseUserAgent(ua string) UserAgent {
	if ua == "" {
		return UserAgent{BrowserName: "Unknown", OSName: "Unknown", DeviceType: "unknown"}
	}

	out := UserAgent{BrowserName: "Unknown", OSName: "Unknown"}

	if m := browserRe.FindStringSubmatch(ua); m != nil {
		out.BrowserName = m[1]
		out.BrowserVersion = m[2]
	}
	if m := osRe.FindStringSubmatch(ua); m != nil {
		out.OSName = m[1]
	}

	// Tablet detection: iPad, or Android without the Mobile marker.
	// (RE2 has no lookahead, so the Android-tablet case is two substring
	// checks rather than one pattern.)
	isMobile := mobileRe.MatchString(ua)
	isTablet := strings.Contains(ua, "iPad") ||
		(strings.Contains(ua, "Android") && !strings.Contains(ua, "Mobile"))

	switch {
	case isTablet:
		out.DeviceType = "tablet"
	case isMobile:
		out.DeviceType = "mobile"
	default:
		out.DeviceType = "desktop"
	}
	return out
}
