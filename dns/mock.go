package dns

import (
	"context"
	"fmt"
	"net"
)

// MockResolver is a Resolver backed by a fixed lookup table, for tests.
type MockResolver struct {
	Names map[string][]string // keyed by ip.String()
	Err   error
}

func NewMockResolver() *MockResolver {
	return &MockResolver{Names: make(map[string][]string)}
}

func (m *MockResolver) Set(ip string, names ...string) {
	m.Names[ip] = names
}

func (m *MockResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	names, ok := m.Names[ip.String()]
	if !ok {
		return nil, fmt.Errorf("dns: mock has no entry for %s", ip)
	}
	return names, nil
}
