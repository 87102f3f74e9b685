package dns

import (
	"context"
	"net"
)

// StdResolver implements Resolver using the stdlib net.Resolver, for
// hosts that would rather rely on the OS's resolver/cache than query
// nameservers directly.
type StdResolver struct {
	resolver *net.Resolver
}

// NewStdResolver wraps the default net.Resolver.
func NewStdResolver() *StdResolver {
	return &StdResolver{resolver: net.DefaultResolver}
}

// NewStdResolverWithDialer wraps a net.Resolver configured with a custom
// dial function, e.g. to force a specific resolver address.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{resolver: &net.Resolver{PreferGo: true, Dial: dial}}
}

func (r *StdResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	names, err := r.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		if len(n) > 0 && n[len(n)-1] == '.' {
			names[i] = n[:len(n)-1]
		}
	}
	return names, nil
}
