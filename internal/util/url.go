package util

import "strings"

// NormaliseBaseURL ensures the base URL ends without a trailing slash
func NormaliseBaseURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}
	if len(baseURL) > 1 && baseURL[len(baseURL)-1] == '/' {
		return baseURL[:len(baseURL)-1]
	}
	return baseURL
}

// ResolveURLPath joins a base URL and a path, or returns the path verbatim
// when it is already an absolute URL
func ResolveURLPath(baseURL, pathOrURL string) string {
	if pathOrURL == "" {
		return baseURL
	}
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	if baseURL == "" {
		return pathOrURL
	}

	base := strings.TrimSuffix(baseURL, "/")
	if strings.HasPrefix(pathOrURL, "/") {
		return base + pathOrURL
	}
	return base + "/" + pathOrURL
}
