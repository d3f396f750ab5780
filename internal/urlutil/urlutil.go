package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath safely joins URL paths, handling trailing and leading slashes correctly
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	// Preserve trailing slash if the last path component had one
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// SafeReturnPath reports whether raw is a same-origin relative path that can
// be used as a post-login redirect target, and returns it. Scheme-relative
// URLs (//host), backslash tricks, control characters and absolute URLs are
// rejected, as are the auth endpoints themselves.
func SafeReturnPath(raw string) (string, bool) {
	if raw == "" || raw[0] != '/' {
		return "", false
	}
	if strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n\t") {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return "", false
	}
	if strings.HasPrefix(u.Path, "/auth/") || u.Path == "/signin" {
		return "", false
	}
	return raw, true
}

// ReturnPathOr returns raw when it is a safe return path and fallback otherwise
func ReturnPathOr(raw, fallback string) string {
	if p, ok := SafeReturnPath(raw); ok {
		return p
	}
	return fallback
}
