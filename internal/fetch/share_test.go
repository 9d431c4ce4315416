package fetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShareable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reqHeader  http.Header
		respHeader http.Header
		typ        ResponseType
		want       bool
	}{
		{name: "plain page", typ: TypeBasic, want: true},
		{name: "public max-age", respHeader: http.Header{"Cache-Control": {"public, max-age=600"}}, typ: TypeBasic, want: true},
		{name: "cookie on request only", reqHeader: http.Header{"Cookie": {"theme=dark"}}, typ: TypeBasic, want: true},
		{name: "opaque", typ: TypeOpaque, want: false},
		{name: "sets cookie", respHeader: http.Header{"Set-Cookie": {"session=alice"}}, typ: TypeBasic, want: false},
		{name: "private", respHeader: http.Header{"Cache-Control": {"Private"}}, typ: TypeBasic, want: false},
		{name: "private with field names", respHeader: http.Header{"Cache-Control": {`private="Set-Cookie", max-age=60`}}, typ: TypeBasic, want: false},
		{name: "no-store on second line", respHeader: http.Header{"Cache-Control": {"max-age=60", "no-store"}}, typ: TypeBasic, want: false},
		{name: "authorized request", reqHeader: http.Header{"Authorization": {"Bearer alice"}}, typ: TypeBasic, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := MustRequest(http.MethodGet, "/dashboard")
			for k, vs := range tt.reqHeader {
				req.Header[k] = vs
			}
			resp := &Response{Status: http.StatusOK, Header: tt.respHeader, Type: tt.typ}
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			assert.Equal(t, tt.want, Shareable(req, resp))
		})
	}
	assert.False(t, Shareable(nil, nil))
}

func TestRequestWithoutCredentials(t *testing.T) {
	t.Parallel()

	plain := MustRequest(http.MethodGet, "/")
	assert.False(t, plain.HasCredentials())
	assert.Same(t, plain, plain.WithoutCredentials())

	req := MustRequest(http.MethodGet, "/dashboard")
	req.Header.Set("Cookie", "session=alice")
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Accept", "text/html")
	assert.True(t, req.HasCredentials())

	anon := req.WithoutCredentials()
	assert.False(t, anon.HasCredentials())
	assert.Equal(t, "text/html", anon.Header.Get("Accept"))
	assert.Equal(t, req.Key(), anon.Key())
	assert.Equal(t, "session=alice", req.Header.Get("Cookie"))
}
