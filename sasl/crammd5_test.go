package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestCramMD5RoundTrip(t *testing.T) {
	challenge := NewChallenge("1896.697170952", "smtp.example.com")
	c := NewCramMD5(challenge)

	enc, done, err := c.Start("")
	if err != nil || done {
		t.Fatalf("Start: err=%v done=%v", err, done)
	}
	decoded, _ := base64.StdEncoding.DecodeString(enc)
	if string(decoded) != challenge {
		t.Fatalf("challenge mismatch: %q vs %q", decoded, challenge)
	}

	mac := hmac.New(md5.New, []byte("secret"))
	mac.Write([]byte(challenge))
	digest := hex.EncodeToString(mac.Sum(nil))
	resp := base64.StdEncoding.EncodeToString([]byte("alice " + digest))

	_, done, err = c.Next(resp)
	if err != nil || !done {
		t.Fatalf("Next: err=%v done=%v", err, done)
	}

	if !c.ValidateAgainst("secret") {
		t.Fatalf("expected digest to validate against correct password")
	}
	if c.ValidateAgainst("wrong") {
		t.Fatalf("expected digest to reject wrong password")
	}
	if c.Credentials().AuthenticationID != "alice" {
		t.Fatalf("got identity %q", c.Credentials().AuthenticationID)
	}
}

func TestCramMD5Cancel(t *testing.T) {
	c := NewCramMD5(NewChallenge("x", "y"))
	_, done, err := c.Next("*")
	if !done || err != ErrAuthenticationCancelled {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}
