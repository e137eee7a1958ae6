package realip

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestResolver(t *testing.T, trusted ...string) *Resolver {
	t.Helper()
	r, err := New(trusted)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	return r
}

func request(remoteAddr string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name          string
		trusted       []string
		remoteAddr    string
		headers       map[string]string
		want          string
		wantForwarded bool
	}{
		{
			name:       "no headers uses socket address",
			remoteAddr: "203.0.113.9:4431",
			want:       "203.0.113.9",
		},
		{
			name:          "cdn header from trusted peer",
			trusted:       []string{"10.0.0.0/8"},
			remoteAddr:    "10.1.2.3:1234",
			headers:       map[string]string{"CF-Connecting-IP": "198.51.100.7"},
			want:          "198.51.100.7",
			wantForwarded: true,
		},
		{
			name:       "cdn header from untrusted peer ignored",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "192.0.2.50:1234",
			headers:    map[string]string{"CF-Connecting-IP": "198.51.100.7"},
			want:       "192.0.2.50",
		},
		{
			name:       "cdn header with private value falls through",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:1234",
			headers: map[string]string{
				"CF-Connecting-IP": "192.168.0.9",
				"X-Real-IP":        "198.51.100.7",
			},
			want:          "198.51.100.7",
			wantForwarded: true,
		},
		{
			name:       "real ip header wins over forwarded",
			remoteAddr: "10.0.0.1:999",
			headers: map[string]string{
				"X-Real-IP":       "198.51.100.7",
				"X-Forwarded-For": "203.0.113.5, 10.0.0.1",
			},
			want:          "198.51.100.7",
			wantForwarded: true,
		},
		{
			name:       "private real ip skipped in favor of forwarded",
			remoteAddr: "10.0.0.1:999",
			headers: map[string]string{
				"X-Real-IP":       "10.9.9.9",
				"X-Forwarded-For": "203.0.113.5, 10.0.0.1",
			},
			want:          "203.0.113.5",
			wantForwarded: true,
		},
		{
			name:          "forwarded picks first public hop",
			remoteAddr:    "10.0.0.1:999",
			headers:       map[string]string{"X-Forwarded-For": "192.168.1.4, 203.0.113.5, 198.51.100.1"},
			want:          "203.0.113.5",
			wantForwarded: true,
		},
		{
			name:          "forwarded with no public hops returns first element",
			remoteAddr:    "10.0.0.1:999",
			headers:       map[string]string{"X-Forwarded-For": "192.168.1.4, 10.2.3.4"},
			want:          "192.168.1.4",
			wantForwarded: true,
		},
		{
			name:          "forwarded with garbage returns first element",
			remoteAddr:    "10.0.0.1:999",
			headers:       map[string]string{"X-Forwarded-For": "not-an-ip, also-bad"},
			want:          "not-an-ip",
			wantForwarded: true,
		},
		{
			name:          "trusted peer bare ip entry",
			trusted:       []string{"172.16.0.1"},
			remoteAddr:    "172.16.0.1:8080",
			headers:       map[string]string{"CF-Connecting-IP": "203.0.113.77"},
			want:          "203.0.113.77",
			wantForwarded: true,
		},
		{
			name:          "ipv4 mapped peer normalized",
			trusted:       []string{"10.0.0.0/8"},
			remoteAddr:    "[::ffff:10.0.0.5]:443",
			headers:       map[string]string{"CF-Connecting-IP": "198.51.100.7"},
			want:          "198.51.100.7",
			wantForwarded: true,
		},
		{
			name:       "unparseable socket address yields empty",
			remoteAddr: "bogus",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.trusted...)
			got, forwarded := r.Extract(request(tt.remoteAddr, tt.headers))
			if got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
			if forwarded != tt.wantForwarded {
				t.Errorf("Extract() forwarded = %v, want %v", forwarded, tt.wantForwarded)
			}
		})
	}
}

func TestExtractEmptyRemote(t *testing.T) {
	r := newTestResolver(t)
	req := request("", nil)
	if got, _ := r.Extract(req); got != "" {
		t.Errorf("expected empty client IP, got %q", got)
	}
}

func TestIsPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"203.0.113.5", true},
		{"8.8.8.8", true},
		{"10.0.0.1", false},
		{"172.16.5.5", false},
		{"192.168.1.1", false},
		{"127.0.0.1", false},
		{"169.254.10.10", false},
		{"0.0.0.0", false},
		{"0.1.2.3", false},
		{"100.64.0.1", false},
		{"100.127.255.255", false},
		{"240.0.0.1", false},
		{"224.0.0.1", false},
		{"2001:db8::1", true},
		{"::1", false},
		{"fe80::1", false},
		{"fd00::1", false},
		{"ff02::1", false},
		{"::ffff:192.168.0.1", false},
		{"::ffff:203.0.113.5", true},
	}
	for _, tt := range tests {
		addr := netip.MustParseAddr(tt.addr)
		if got := IsPublic(addr); got != tt.want {
			t.Errorf("IsPublic(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	if _, err := New([]string{"not-a-cidr/8"}); err == nil {
		t.Error("expected error for bad CIDR")
	}
	if _, err := New([]string{"999.1.1.1"}); err == nil {
		t.Error("expected error for bad IP")
	}
}

func TestMiddlewareStoresContextValue(t *testing.T) {
	r := newTestResolver(t)
	var seen string
	var seenForwarded bool
	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = FromContext(req.Context())
		seenForwarded = Forwarded(req.Context())
	}))

	req := request("203.0.113.9:1234", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "203.0.113.9" {
		t.Errorf("expected 203.0.113.9 in context, got %q", seen)
	}
	if seenForwarded {
		t.Error("expected socket-derived IP to not be marked forwarded")
	}

	req = request("10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9"})
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !seenForwarded {
		t.Error("expected header-derived IP to be marked forwarded")
	}

	stats := r.Stats()
	if stats.TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", stats.TotalRequests)
	}
}
