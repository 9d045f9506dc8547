package utils

import "net/url"

// IsValidURL reports whether s is an absolute http(s) URL with a host.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
