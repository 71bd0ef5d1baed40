package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/core"
)

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"no proxies", nil, "203.0.113.7:4000", map[string]string{"X-Real-IP": "10.9.9.9"}, "203.0.113.7"},
		{"trusted real ip", []string{"10.0.0.0/8"}, "10.0.0.2:4000", map[string]string{"X-Real-IP": "198.51.100.1"}, "198.51.100.1"},
		{"trusted forwarded for", []string{"10.0.0.2"}, "10.0.0.2:4000", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.5"}, "198.51.100.1"},
		{"untrusted proxy", []string{"10.0.0.0/8"}, "192.0.2.1:4000", map[string]string{"X-Real-IP": "198.51.100.1"}, "192.0.2.1"},
		{"garbage header", []string{"10.0.0.0/8"}, "10.0.0.2:4000", map[string]string{"X-Real-IP": "not-an-ip"}, "10.0.0.2"},
		{"invalid cidr skipped", []string{"bogus"}, "10.0.0.2:4000", map[string]string{"X-Real-IP": "198.51.100.1"}, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = core.IPFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"k1": "alice", "k2": "bob"}
	tests := []struct {
		name     string
		require  bool
		key      string
		wantCode int
		wantUser string
	}{
		{"optional anonymous", false, "", http.StatusOK, core.AnonymousUser},
		{"optional with key", false, "k2", http.StatusOK, "bob"},
		{"required missing", true, "", http.StatusUnauthorized, ""},
		{"required valid", true, "k1", http.StatusOK, "alice"},
		{"invalid key", false, "k3", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var user string
			h := APIKeyAuth(keys, tt.require)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user = core.UserFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if user != tt.wantUser {
				t.Errorf("user = %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestLogger_RecordsStatus(t *testing.T) {
	h := Logger(APIKeyAuth(map[string]string{"k": "alice"}, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot || rec.Body.String() != "short" {
		t.Errorf("response = %d %q, want 418 short", rec.Code, rec.Body.String())
	}
}
