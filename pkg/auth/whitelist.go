package auth

import "strings"

// Whitelist restricts who may register. An empty whitelist admits everyone.
type Whitelist map[string]bool

// ParseWhitelist builds a whitelist from the comma-separated config value.
func ParseWhitelist(csv string) Whitelist {
	wl := make(Whitelist)
	for _, name := range strings.Split(csv, ",") {
		if name = strings.TrimSpace(name); name != "" {
			wl[name] = true
		}
	}
	return wl
}

// Admits reports whether the username may register.
func (wl Whitelist) Admits(username string) bool {
	return len(wl) == 0 || wl[username]
}
