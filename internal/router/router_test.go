package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc183/otun/internal/certmgr"
	"github.com/bc183/otun/internal/proxy"
	"github.com/bc183/otun/internal/registry"
	"github.com/bc183/otun/internal/tunnel"
)

func TestExtractSubdomain(t *testing.T) {
	tests := []struct {
		host       string
		baseDomain string
		wantSub    string
		wantApex   bool
	}{
		{"myapp.tunnel.example.com", "tunnel.example.com", "myapp", false},
		{"tunnel.example.com", "tunnel.example.com", "", true},
		{"myapp.localhost", "localhost", "myapp", false},
		{"localhost", "localhost", "", true},
		{"other.com", "tunnel.example.com", "", false},
		{"a.b.tunnel.example.com", "tunnel.example.com", "", false}, // nested label invalid
	}

	for _, tt := range tests {
		sub, apex := extractSubdomain(tt.host, tt.baseDomain)
		if sub != tt.wantSub || apex != tt.wantApex {
			t.Errorf("extractSubdomain(%q, %q) = (%q, %v), want (%q, %v)",
				tt.host, tt.baseDomain, sub, apex, tt.wantSub, tt.wantApex)
		}
	}
}

func TestHostOnly(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com:8080", "example.com"},
		{"example.com", "example.com"},
		{"[::1]:8080", "::1"},
	}
	for _, tt := range tests {
		if got := hostOnly(tt.in); got != tt.want {
			t.Errorf("hostOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{":443", "443"},
		{":8443", "8443"},
		{"0.0.0.0:8443", "8443"},
		{"no-port", ""},
	}
	for _, tt := range tests {
		if got := PortOf(tt.in); got != tt.want {
			t.Errorf("PortOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestRouter(adminToken string) *Router {
	reg := registry.New()
	rt := New("tunnel.example.com", false, reg, certmgr.NewChallengeStore(), nil, proxy.New(proxy.Config{}))
	rt.AdminEnabled = adminToken != ""
	rt.AdminToken = adminToken
	return rt
}

func TestRouter_UnrecognizedHost(t *testing.T) {
	rt := newTestRouter("")
	req := httptest.NewRequest(http.MethodGet, "http://other.com/", nil)
	req.Host = "other.com"
	w := httptest.NewRecorder()

	rt.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_NoTunnelRegistered(t *testing.T) {
	rt := newTestRouter("")
	req := httptest.NewRequest(http.MethodGet, "http://ghost.tunnel.example.com/", nil)
	req.Host = "ghost.tunnel.example.com"
	w := httptest.NewRecorder()

	rt.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_ACMEChallenge(t *testing.T) {
	rt := newTestRouter("")
	rt.Challenges.Set("tok123", "tok123.keyauth")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok123", nil)
	w := httptest.NewRecorder()

	rt.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "tok123.keyauth" {
		t.Errorf("body = %q, want %q", w.Body.String(), "tok123.keyauth")
	}
}

func TestRouter_ACMEChallenge_Unknown(t *testing.T) {
	rt := newTestRouter("")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown", nil)
	w := httptest.NewRecorder()

	rt.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_AdminRequiresBearer(t *testing.T) {
	rt := newTestRouter("adm_secret")

	req := httptest.NewRequest(http.MethodGet, "/_admin/tunnels", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/_admin/tunnels", nil)
	req2.Header.Set("Authorization", "Bearer wrong")
	w2 := httptest.NewRecorder()
	rt.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w2.Code)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/_admin/tunnels", nil)
	req3.Header.Set("Authorization", "Bearer adm_secret")
	w3 := httptest.NewRecorder()
	rt.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("correct token: status = %d, want 200", w3.Code)
	}
}

func TestRouter_AdminListsTunnels(t *testing.T) {
	rt := newTestRouter("adm_secret")
	tn := tunnel.New("myapp", "tk", 4)
	if err := rt.Registry.Register(tn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/_admin/tunnels", nil)
	req.Header.Set("Authorization", "Bearer adm_secret")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"subdomain":"myapp"`) {
		t.Errorf("body = %q, want it to contain myapp's summary", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("body = %q, want count:1", w.Body.String())
	}
}

func TestRouter_AdminDeletesTunnel(t *testing.T) {
	rt := newTestRouter("adm_secret")
	tn := tunnel.New("myapp", "tk", 4)
	if err := rt.Registry.Register(tn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/_admin/tunnels/myapp", nil)
	req.Header.Set("Authorization", "Bearer adm_secret")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if _, ok := rt.Registry.Get("myapp"); ok {
		t.Error("tunnel still registered after admin delete")
	}
}

func TestRouter_AdminDeletesUnknownTunnel(t *testing.T) {
	rt := newTestRouter("adm_secret")

	req := httptest.NewRequest(http.MethodDelete, "/_admin/tunnels/ghost", nil)
	req.Header.Set("Authorization", "Bearer adm_secret")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://myapp.tunnel.example.com/path?x=1", nil)
	req.Host = "myapp.tunnel.example.com"
	w := httptest.NewRecorder()

	RedirectToHTTPS(w, req, "443")

	if w.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", w.Code)
	}
	want := "https://myapp.tunnel.example.com/path?x=1"
	if got := w.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestRedirectToHTTPS_NonDefaultPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://myapp.tunnel.example.com/path?x=1", nil)
	req.Host = "myapp.tunnel.example.com"
	w := httptest.NewRecorder()

	RedirectToHTTPS(w, req, "8443")

	want := "https://myapp.tunnel.example.com:8443/path?x=1"
	if got := w.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestRedirectToHTTPS_LeavesACMEChallengeAlone(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok", nil)
	w := httptest.NewRecorder()

	RedirectToHTTPS(w, req, "443")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 (challenge path must not redirect)", w.Code)
	}
}
