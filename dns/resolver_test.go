package dns

import (
	"context"
	"net"
	"testing"
)

func TestMockResolverLookupAddr(t *testing.T) {
	m := NewMockResolver()
	m.Set("198.51.100.7", "mail.example.com")

	names, err := m.LookupAddr(context.Background(), net.ParseIP("198.51.100.7"))
	if err != nil {
		t.Fatalf("LookupAddr: %v", err)
	}
	if len(names) != 1 || names[0] != "mail.example.com" {
		t.Fatalf("got %v", names)
	}
}

func TestMockResolverMiss(t *testing.T) {
	m := NewMockResolver()
	if _, err := m.LookupAddr(context.Background(), net.ParseIP("10.0.0.1")); err == nil {
		t.Fatalf("expected error for unmapped IP")
	}
}
