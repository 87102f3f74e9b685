package smtpserver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Address is the result of parsing a MAIL FROM or RCPT TO command line.
type Address struct {
	Raw  string // the full angle-bracketed path as given, e.g. "<a@x>"
	User string
	Host string
	Args map[string]string // KEY -> VALUE; flags ("KEY" with no "=") map to ""
}

// String reassembles the address, without parameters, as "user@host"
// or "" for the null reverse-path.
func (a Address) String() string {
	if a.User == "" && a.Host == "" {
		return ""
	}
	return a.User + "@" + a.Host
}

// Has reports whether a parameter flag or key was present.
func (a Address) Has(key string) bool {
	_, ok := a.Args[strings.ToUpper(key)]
	return ok
}

// parseAddressCommand implements §4.3: split on the first ':', match the
// verb, parse the angle-bracketed path, then the KEY/KEY=VALUE parameters
// with xtext decoding of values and IDN decoding of the domain.
func parseAddressCommand(verb, line string) (Address, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Address{}, fmt.Errorf("%w: missing ':'", ErrInvalidCommand)
	}
	prefix := strings.TrimSpace(line[:idx])
	if !strings.EqualFold(prefix, verb) {
		return Address{}, fmt.Errorf("%w: expected %s", ErrInvalidCommand, verb)
	}

	rest := strings.TrimSpace(line[idx+1:])
	if rest == "" {
		return Address{}, fmt.Errorf("%w: missing address", ErrInvalidCommand)
	}

	fields := strings.Fields(rest)
	pathTok := fields[0]

	allowEmpty := strings.EqualFold(verb, "FROM")
	addr, err := parsePath(pathTok, allowEmpty)
	if err != nil {
		return Address{}, err
	}

	if len(fields) > 1 {
		addr.Args = make(map[string]string, len(fields)-1)
		for _, tok := range fields[1:] {
			key, val, hasVal := strings.Cut(tok, "=")
			key = strings.ToUpper(key)
			if hasVal {
				decoded, derr := xtextDecode(val)
				if derr != nil {
					return Address{}, fmt.Errorf("%w: invalid xtext in %s", ErrInvalidCommand, key)
				}
				addr.Args[key] = decoded
			} else {
				addr.Args[key] = ""
			}
		}
	}

	return addr, nil
}

func parsePath(tok string, allowEmpty bool) (Address, error) {
	if !strings.HasPrefix(tok, "<") || !strings.HasSuffix(tok, ">") {
		return Address{}, fmt.Errorf("%w: address must be angle-bracketed", ErrInvalidCommand)
	}
	inner := tok[1 : len(tok)-1]
	if inner == "" {
		if allowEmpty {
			return Address{}, nil
		}
		return Address{}, fmt.Errorf("%w: empty address not allowed", ErrInvalidCommand)
	}

	at := strings.LastIndexByte(inner, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("%w: address missing '@'", ErrInvalidCommand)
	}
	user, host := inner[:at], inner[at+1:]
	host = decodeIDNHost(host)

	return Address{Raw: tok, User: user, Host: host}, nil
}

// decodeIDNHost converts a punycode domain to its Unicode form. On
// failure it keeps the raw ASCII form; callers are expected to log.
func decodeIDNHost(host string) string {
	u, err := idna.ToUnicode(host)
	if err != nil {
		return host
	}
	return u
}

// xtextDecode replaces every "+HH" hex escape with its byte; other
// characters pass through unchanged, per RFC 3461 §4.
func xtextDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '+') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '+' {
			if i+2 >= len(s) {
				return "", fmt.Errorf("truncated xtext escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid xtext escape: %w", err)
			}
			b.WriteByte(byte(v))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}
