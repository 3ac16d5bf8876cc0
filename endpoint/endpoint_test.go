package endpoint_test

import (
	"testing"

	"github.com/nprpc/nprpc/endpoint"
)

func TestParseToURLRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:5000",
		"ws://example.org:8080/rpc",
		"wss://example.org:8443/rpc",
		"shm://local:0",
		"http://example.org:8080/rpc",
		"https://example.org:8443/rpc",
	}
	for _, s := range cases {
		ep, err := endpoint.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := ep.ToURL(); got != s {
			t.Errorf("Parse(%q).ToURL() = %q, want %q", s, got, s)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"127.0.0.1:5000",
		"tcp://127.0.0.1",
		"ftp://127.0.0.1:21",
		"tcp://:5000",
	}
	for _, s := range cases {
		if _, err := endpoint.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", s)
		}
	}
}

func TestEqualityIsComponentwise(t *testing.T) {
	a, _ := endpoint.Parse("tcp://host:1")
	b, _ := endpoint.Parse("tcp://host:1")
	c, _ := endpoint.Parse("tcp://host:2")
	if !a.Equal(b) {
		t.Error("expected a == b")
	}
	if a.Equal(c) {
		t.Error("expected a != c")
	}
}

func TestTetheredPathDetected(t *testing.T) {
	ep, err := endpoint.Parse("tcp://127.0.0.1:5000/tethered/42")
	if err != nil {
		t.Fatal(err)
	}
	if !ep.Tethered {
		t.Error("expected Tethered == true")
	}
}
