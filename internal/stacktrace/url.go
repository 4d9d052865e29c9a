package stacktrace

import (
	"net/url"
	"strings"
)

// DefaultSourceRoot is where bare relative paths are looked up on the
// inspected page's origin.
const DefaultSourceRoot = "/src/"

// ResolveURL turns a frame's file reference into a fetchable URL. Absolute
// URLs pass through, bundler prefixes are stripped, root-relative paths are
// joined to origin and bare relative paths are placed under sourceRoot.
func ResolveURL(origin, file, sourceRoot string) string {
	if file == "" {
		return ""
	}
	if u, err := url.Parse(file); err == nil && u.Scheme != "" && (u.Host != "" || u.Scheme == "data" || u.Scheme == "blob" || u.Scheme == "file") {
		return file
	}

	p := stripBundlerPrefix(file)
	origin = strings.TrimRight(origin, "/")
	if origin == "" {
		return p
	}
	if strings.HasPrefix(p, "/") {
		return origin + p
	}

	if sourceRoot == "" {
		sourceRoot = DefaultSourceRoot
	}
	root := "/" + strings.Trim(sourceRoot, "/") + "/"
	rel := strings.TrimPrefix(p, "./")
	if strings.HasPrefix("/"+rel, root) {
		return origin + "/" + rel
	}
	return origin + root + rel
}

// Origin returns scheme://host of a page URL, or "" when it has none.
func Origin(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
