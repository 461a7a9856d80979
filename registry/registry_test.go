package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPaths(t *testing.T) {
	ep := Endpoint{Host: "10.0.0.1", Port: 9000}
	if got, want := ServicePath("/poolrpc/", "Echo"), "/poolrpc/Echo"; got != want {
		t.Errorf("ServicePath = %q, want %q", got, want)
	}
	if got, want := InstancePath(DefaultRoot, "Echo", ep), "/poolrpc/Echo/10.0.0.1:9000"; got != want {
		t.Errorf("InstancePath = %q, want %q", got, want)
	}
	got, err := ParseEndpoint(InstancePath(DefaultRoot, "Echo", ep))
	if err != nil {
		t.Fatal(err)
	}
	if got != ep {
		t.Errorf("ParseEndpoint = %v, want %v", got, ep)
	}
}

func TestParseEndpointIPv6(t *testing.T) {
	ep := Endpoint{Host: "::1", Port: 8080}
	got, err := ParseEndpoint(InstancePath(DefaultRoot, "Echo", ep))
	if err != nil {
		t.Fatal(err)
	}
	if got != ep {
		t.Errorf("ParseEndpoint = %v, want %v", got, ep)
	}
}

func TestParseEndpointMalformed(t *testing.T) {
	for _, p := range []string{
		"/poolrpc/Echo/10.0.0.1",
		"/poolrpc/Echo/:9000",
		"/poolrpc/Echo/10.0.0.1:http",
		"/poolrpc/Echo/10.0.0.1:0",
		"/poolrpc/Echo/10.0.0.1:70000",
		"",
	} {
		if _, err := ParseEndpoint(p); !errors.Is(err, ErrMalformedPath) {
			t.Errorf("ParseEndpoint(%q) error = %v, want ErrMalformedPath", p, err)
		}
	}
}

func TestIsChild(t *testing.T) {
	for _, tc := range []struct {
		parent, p string
		want      bool
	}{
		{"/poolrpc/Echo", "/poolrpc/Echo/a:1", true},
		{"/poolrpc/Echo/", "/poolrpc/Echo/a:1", true},
		{"/poolrpc/Echo", "/poolrpc/Echo/a:1/x", false},
		{"/poolrpc/Echo", "/poolrpc/Echo", false},
		{"/poolrpc/Echo", "/poolrpc/EchoX/a:1", false},
	} {
		if got := isChild(tc.parent, tc.p); got != tc.want {
			t.Errorf("isChild(%q, %q) = %v, want %v", tc.parent, tc.p, got, tc.want)
		}
	}
}

func TestDiff(t *testing.T) {
	before := map[string][]byte{
		"/r/s/a:1": []byte("1"),
		"/r/s/b:1": []byte("1"),
		"/r/s/c:1": []byte("1"),
	}
	after := map[string][]byte{
		"/r/s/b:1": []byte("2"),
		"/r/s/c:1": []byte("1"),
		"/r/s/d:1": []byte("1"),
	}
	want := []Event{
		{Type: EventRemoved, Path: "/r/s/a:1"},
		{Type: EventUpdated, Path: "/r/s/b:1", Payload: []byte("2")},
		{Type: EventAdded, Path: "/r/s/d:1", Payload: []byte("1")},
	}
	if d := cmp.Diff(want, diff(before, after)); d != "" {
		t.Errorf("diff (-want +got):\n%s", d)
	}
}
