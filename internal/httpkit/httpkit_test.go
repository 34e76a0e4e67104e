package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		c := NewClient(tt.opts...)
		if c.Timeout != tt.want {
			t.Errorf("%s: timeout = %v, want %v", tt.name, c.Timeout, tt.want)
		}
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func getBody(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest("GET", srv.URL, nil)
	if got := getBody(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "TestBot/1.0" {
		t.Errorf("expected TestBot/1.0, got %q", got)
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	if got := getBody(t, NewClient(), req); !strings.HasPrefix(got, "Platecheck/") {
		t.Errorf("expected Platecheck/ prefix, got %q", got)
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	if got := getBody(t, NewClient(WithoutUserAgent()), req); strings.HasPrefix(got, "Platecheck/") {
		t.Errorf("expected no Platecheck/ prefix with WithoutUserAgent, got %q", got)
	}
}

func TestNewClient_ExistingUserAgentNotOverwritten(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "CustomBot/2.0")
	if got := getBody(t, NewClient(), req); got != "CustomBot/2.0" {
		t.Errorf("expected CustomBot/2.0, got %q", got)
	}
}

func TestNewClient_WithTransport(t *testing.T) {
	custom := NewTransport()
	custom.MaxIdleConns = 1
	c := NewClient(WithTransport(custom), WithoutUserAgent())
	if c.Transport != custom {
		t.Error("expected the custom transport to be used directly")
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout: got %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout: got %v, want %v", tr.ResponseHeaderTimeout, DefaultResponseHeader)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", tr.MaxIdleConnsPerHost, DefaultMaxIdleConnsPerHost)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("error details here"))
	if got := ReadErrorBody(rc, 512); got != "error details here" {
		t.Errorf("expected error body, got %q", got)
	}

	long := io.NopCloser(strings.NewReader(strings.Repeat("x", 1000)))
	if got := ReadErrorBody(long, 10); len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}

	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("expected empty string for nil, got %q", got)
	}
	DrainAndClose(nil, 1024) // nil should not panic
}

func TestIsUnreachable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", syscall.ECONNREFUSED, true},
		{"host unreachable wrapped", fmt.Errorf("post: %w", syscall.EHOSTUNREACH), true},
		{"dial op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, true},
		{"read op error", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, false},
		{"plain", errors.New("something else"), false},
	}
	for _, tt := range tests {
		if got := IsUnreachable(tt.err); got != tt.want {
			t.Errorf("IsUnreachable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(50 * time.Millisecond))
	_, err := c.Get(srv.URL)
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
	if IsTimeout(context.Canceled) {
		t.Error("IsTimeout(context.Canceled) = true, want false")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
