package sasl

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// XOAuth2 implements the XOAUTH2 SASL mechanism (no formal RFC; a Google
// and Microsoft convention for presenting an OAuth2 bearer token).
type XOAuth2 struct {
	creds   *Credentials
	failed  bool
	done    bool
	lastErr string
}

// NewXOAuth2 creates a new XOAUTH2 mechanism handler.
func NewXOAuth2() *XOAuth2 {
	return &XOAuth2{}
}

func (x *XOAuth2) Name() string { return "XOAUTH2" }

// Start decodes the single initial-response token, which must have the
// form "user=<email>\x01auth=Bearer <token>\x01\x01".
func (x *XOAuth2) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return x.processResponse(initialResponse)
}

// Next handles both the initial token (if deferred) and the mandatory
// client "*" that must follow a failure challenge.
func (x *XOAuth2) Next(response string) (challenge string, done bool, err error) {
	if x.failed {
		// RFC 4954 requires the client to send an empty/abort response
		// after a failure continuation; whatever it sends, authentication
		// is already decided as failed.
		x.done = true
		return "", true, ErrInvalidFormat
	}
	return x.processResponse(response)
}

func (x *XOAuth2) processResponse(response string) (challenge string, done bool, err error) {
	if response == "*" {
		x.done = true
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		x.done = true
		return "", true, ErrInvalidBase64
	}

	fields := strings.Split(string(decoded), "\x01")
	var user, token string
	for _, f := range fields {
		if f == "" {
			continue
		}
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "user":
			user = v
		case "auth":
			token = strings.TrimPrefix(v, "Bearer ")
		}
	}

	if user == "" || token == "" {
		return x.fail("invalid_request", "invalid token format")
	}

	x.creds = &Credentials{AuthenticationID: user, Password: token}
	x.done = true
	return "", true, nil
}

// fail issues the base64-encoded JSON status challenge XOAUTH2 requires
// on failure, per the status object convention documented by RFC 7628 §3.2.1.
func (x *XOAuth2) fail(status, description string) (string, bool, error) {
	x.failed = true
	x.lastErr = description
	payload, _ := json.Marshal(map[string]string{
		"status": status,
		"schemes": "bearer",
		"scope":   "",
	})
	return base64.StdEncoding.EncodeToString(payload), false, nil
}

func (x *XOAuth2) Credentials() *Credentials { return x.creds }
