package offline

import (
	_ "embed"
	"net/http"
	"time"

	"github.com/dinoproject/dinocache/internal/fetch"
)

//go:embed offline.html
var builtinOfflinePage []byte

// Unavailable returns the synthetic response for a subresource that is in
// neither the cache nor reachable on the network.
func Unavailable() *fetch.Response {
	return synthetic(http.StatusServiceUnavailable, "text/plain; charset=utf-8",
		[]byte("Service Unavailable: offline and not cached"))
}

// BuiltinOfflinePage returns the embedded offline document, used when the
// configured one was never cached.
func BuiltinOfflinePage() *fetch.Response {
	return synthetic(http.StatusServiceUnavailable, "text/html; charset=utf-8", builtinOfflinePage)
}

func gatewayTimeout() *fetch.Response {
	return synthetic(http.StatusGatewayTimeout, "text/plain; charset=utf-8",
		[]byte("Gateway Timeout: offline document unavailable"))
}

func synthetic(status int, contentType string, body []byte) *fetch.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	return &fetch.Response{
		Status:   status,
		Header:   h,
		Body:     append([]byte(nil), body...),
		Type:     fetch.TypeSynthetic,
		StoredAt: time.Now().UTC(),
	}
}
