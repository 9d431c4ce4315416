package fetch

import (
	"net/http"
	"strings"
)

// credentialHeaders tie a request to one user.
var credentialHeaders = []string{"Authorization", "Cookie"}

// cacheControl holds Cache-Control directives by lowercased name.
type cacheControl map[string]string

func parseCacheControl(h http.Header) cacheControl {
	cc := cacheControl{}
	for _, line := range h.Values("Cache-Control") {
		for part := range strings.SplitSeq(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return cc
}

func (cc cacheControl) has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// HasCredentials reports whether r carries a cookie or an Authorization header.
func (r *Request) HasCredentials() bool {
	for _, k := range credentialHeaders {
		if len(r.Header.Values(k)) > 0 {
			return true
		}
	}
	return false
}

// WithoutCredentials returns a copy of r with cookies and Authorization
// removed. r itself is not modified.
func (r *Request) WithoutCredentials() *Request {
	if !r.HasCredentials() {
		return r
	}
	c := *r
	c.Header = r.Header.Clone()
	for _, k := range credentialHeaders {
		c.Header.Del(k)
	}
	return &c
}

// Shareable reports whether resp, fetched for req, may be stored and served
// to any client. Responses that set cookies or are marked private or
// no-store belong to one user, as does anything fetched with an
// Authorization header.
func Shareable(req *Request, resp *Response) bool {
	if resp == nil || resp.Type != TypeBasic {
		return false
	}
	if req != nil && len(req.Header.Values("Authorization")) > 0 {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := parseCacheControl(resp.Header)
	return !cc.has("no-store") && !cc.has("private")
}
