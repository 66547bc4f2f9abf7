// Package crawler implements URL policy for the crawl engine: normalization,
// the similar-URL equivalence class, link filtering, robots.txt and sitemap
// handling, and frontier ordering strategies.
package crawler

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during normalization.
// utm_* is matched by prefix.
var trackingParams = map[string]struct{}{
	"fbclid":       {},
	"gclid":        {},
	"msclkid":      {},
	"_ga":          {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"source":       {},
	"campaign":     {},
	"medium":       {},
	"term":         {},
	"content":      {},
	"affiliate_id": {},
}

func isTrackingParam(name string) bool {
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := trackingParams[strings.ToLower(name)]
	return ok
}

// Normalize canonicalizes a URL: lowercases the host, drops the fragment,
// removes tracking query parameters, sorts the remaining parameters
// alphabetically, and strips a trailing slash except on the root path.
// Normalization is idempotent.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		values := u.Query()
		names := make([]string, 0, len(values))
		for name := range values {
			if isTrackingParam(name) {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		for _, name := range names {
			vals := values[name]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// CanonicalKey maps every member of a similar-URL class onto one
// deterministic representative: https scheme, host without a leading www,
// path without a trailing /index.html or trailing slash. URL locks key on
// this form so equivalent variants contend on a single SETNX.
func CanonicalKey(rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}

	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.TrimPrefix(u.Host, "www.")

	path := strings.TrimSuffix(u.Path, "/index.html")
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	u.Path = path

	return u.String(), nil
}

// SimilarClass returns the equivalence class of a URL: every combination of
// http/https scheme, present/absent www prefix, and trailing-slash /
// /index.html path variants of the normalized form. Membership is symmetric
// and reflexive; two URLs are equivalent iff one lies in the other's class.
func SimilarClass(rawURL string) ([]string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, err
	}

	schemes := []string{u.Scheme}
	switch u.Scheme {
	case "http":
		schemes = append(schemes, "https")
	case "https":
		schemes = append(schemes, "http")
	}

	bareHost := strings.TrimPrefix(u.Host, "www.")
	hosts := []string{bareHost, "www." + bareHost}

	base := strings.TrimSuffix(u.Path, "/index.html")
	if base != "/" {
		base = strings.TrimSuffix(base, "/")
	}
	if base == "" {
		base = "/"
	}
	var paths []string
	if base == "/" {
		paths = []string{"/", "/index.html"}
	} else {
		paths = []string{base, base + "/", base + "/index.html"}
	}

	seen := make(map[string]struct{})
	var class []string
	for _, scheme := range schemes {
		for _, host := range hosts {
			for _, path := range paths {
				v := *u
				v.Scheme = scheme
				v.Host = host
				v.Path = path
				s := v.String()
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					class = append(class, s)
				}
			}
		}
	}
	return class, nil
}

// Depth counts the non-empty path segments of a URL.
func Depth(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	depth := 0
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}
