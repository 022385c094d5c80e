package presence

import "strings"

type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformAndroid Platform = "Android"
	PlatformIOS     Platform = "iOS"
	PlatformMacOS   Platform = "MacOS"
	PlatformUnknown Platform = "Unknown"
)

// platformRules is evaluated in order; the first rule with a matching
// token wins.
var platformRules = []struct {
	platform Platform
	tokens   []string
}{
	{PlatformWindows, []string{"windows"}},
	{PlatformAndroid, []string{"android"}},
	{PlatformIOS, []string{"iphone", "ipad", "ipod"}},
	{PlatformMacOS, []string{"macintosh"}},
}

// ParsePlatform maps a client descriptor such as a browser User-Agent to a
// platform label using case-insensitive substring matching.
func ParsePlatform(descriptor string) Platform {
	d := strings.ToLower(descriptor)
	for _, rule := range platformRules {
		for _, token := range rule.tokens {
			if strings.Contains(d, token) {
				return rule.platform
			}
		}
	}
	return PlatformUnknown
}
