package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{name: "direct client", remoteAddr: "203.0.113.7:5555", want: "203.0.113.7"},
		{name: "untrusted proxy headers ignored", remoteAddr: "203.0.113.7:5555", xff: "1.1.1.1", want: "203.0.113.7"},
		{name: "trusted proxy forwarded for", remoteAddr: "10.0.0.2:80", xff: "198.51.100.4, 10.0.0.2", want: "198.51.100.4"},
		{name: "trusted proxy real ip", remoteAddr: "127.0.0.1:80", xri: "198.51.100.9", want: "198.51.100.9"},
		{name: "garbage forwarded value", remoteAddr: "192.168.1.1:80", xff: "not-an-ip", want: "192.168.1.1"},
		{name: "no port", remoteAddr: "203.0.113.8", want: "203.0.113.8"},
	}

	d := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := d.ExtractClientIP(r); got != tt.want {
				t.Errorf("ExtractClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		agent  string
		flag   bool
	}{
		{name: "normal api call", method: http.MethodGet, target: "/api/debts", agent: "curl/8.0", flag: false},
		{name: "path traversal", method: http.MethodGet, target: "/api/../etc/passwd", flag: true},
		{name: "dotenv probe", method: http.MethodGet, target: "/.env", flag: true},
		{name: "injection in query", method: http.MethodGet, target: "/api/transactions?q=1%20union%20select", flag: true},
		{name: "scanner agent", method: http.MethodGet, target: "/", agent: "sqlmap/1.7", flag: true},
		{name: "trace method", method: "TRACE", target: "/", flag: true},
		{name: "long url", method: http.MethodGet, target: "/" + strings.Repeat("a", 2100), flag: true},
	}

	d := NewDetector()
	flagged := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.agent != "" {
				r.Header.Set("User-Agent", tt.agent)
			}
			reason := d.Inspect(r)
			if (reason != "") != tt.flag {
				t.Errorf("Inspect() = %q, want flagged=%v", reason, tt.flag)
			}
			if reason != "" {
				flagged++
			}
		})
	}
	if d.Suspicious() != int64(flagged) {
		t.Errorf("Suspicious() = %d, want %d", d.Suspicious(), flagged)
	}
}

func TestHeadersMiddleware(t *testing.T) {
	h := NewHeadersMiddleware(APIHeadersConfig()).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("missing headers: %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS must not be sent over plain HTTP")
	}

	tlsReq := httptest.NewRequest(http.MethodGet, "/", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, tlsReq)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Fatalf("HSTS = %q", got)
	}
}
