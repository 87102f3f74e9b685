package smtpserver

import (
	"context"
	"net"
	"time"

	"github.com/nodemailer/smtp-server/dns"
)

// WrapResolver adapts a dns.Resolver (context- and net.IP-typed) to the
// ReverseLookup shape Callbacks and ServerConfig expect. The adapter
// applies its own timeout in addition to the core's 1.5s greeting cap, so
// a slow resolver configured with a longer budget still can't hold up
// other sessions indefinitely.
func WrapResolver(r dns.Resolver, timeout time.Duration) ReverseLookup {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return func(addr string) ([]string, error) {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: addr}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return r.LookupAddr(ctx, ip)
	}
}
