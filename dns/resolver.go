// Package dns provides reverse-lookup collaborators for the server's
// client_hostname field. The core never resolves DNS itself; it calls
// whatever Resolver.LookupAddr implementation the host configures.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver performs reverse DNS lookups. LookupAddr should return names
// without a trailing dot, most-preferred first.
type Resolver interface {
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
}

// Config configures a Resolver.
type Config struct {
	// Nameservers to query, e.g. "8.8.8.8:53". Empty uses /etc/resolv.conf,
	// falling back to public resolvers.
	Nameservers []string
	Timeout     time.Duration
	Retries     int
}

// MiekgResolver implements Resolver by querying nameservers directly via
// github.com/miekg/dns, bypassing the OS resolver's cache.
type MiekgResolver struct {
	cfg    Config
	client *mdns.Client
}

// NewResolver creates a MiekgResolver with the given configuration.
func NewResolver(cfg Config) *MiekgResolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if len(cfg.Nameservers) == 0 {
		cfg.Nameservers = systemNameservers()
	}
	return &MiekgResolver{cfg: cfg, client: &mdns.Client{Timeout: cfg.Timeout}}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// LookupAddr performs a PTR lookup for ip, retrying across all
// configured nameservers.
func (r *MiekgResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	msg := new(mdns.Msg)
	msg.SetQuestion(arpa, mdns.TypePTR)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		for _, server := range r.cfg.Nameservers {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != mdns.RcodeSuccess {
				lastErr = fmt.Errorf("dns: rcode %s from %s", mdns.RcodeToString[resp.Rcode], server)
				continue
			}

			var names []string
			for _, ans := range resp.Answer {
				if ptr, ok := ans.(*mdns.PTR); ok {
					names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
				}
			}
			if len(names) > 0 {
				return names, nil
			}
			return nil, fmt.Errorf("dns: no PTR records for %s", ip)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns: no nameservers reachable for %s", ip)
	}
	return nil, lastErr
}
