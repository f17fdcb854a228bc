// Package query removes configured query parameters from a forwarded
// request path before it is sent upstream.
package query

import (
	"net/url"
	"strings"
)

// Clean returns path with every parameter named in drop removed from its
// query string. Parameter names match exactly (case-sensitive). Other
// parameters keep their original order and encoding; the path portion is
// untouched.
func Clean(path string, drop map[string]struct{}) string {
	if len(drop) == 0 {
		return path
	}

	base, rawQuery, hasQuery := strings.Cut(path, "?")
	if !hasQuery {
		return path
	}

	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		unescaped, err := url.QueryUnescape(name)
		if err != nil {
			unescaped = name
		}
		if _, dropped := drop[unescaped]; dropped {
			continue
		}
		kept = append(kept, pair)
	}

	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}
