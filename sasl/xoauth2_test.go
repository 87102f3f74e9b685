package sasl

import (
	"encoding/base64"
	"testing"
)

func TestXOAuth2Success(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("user=a@example.com\x01auth=Bearer ya29.abc\x01\x01"))
	x := NewXOAuth2()
	_, done, err := x.Start(token)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !done {
		t.Fatalf("expected done")
	}
	creds := x.Credentials()
	if creds == nil || creds.AuthenticationID != "a@example.com" || creds.Password != "ya29.abc" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestXOAuth2InvalidThenCancel(t *testing.T) {
	x := NewXOAuth2()
	challenge, done, err := x.Start(base64.StdEncoding.EncodeToString([]byte("garbage")))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if done {
		t.Fatalf("expected a failure challenge, not done")
	}
	if challenge == "" {
		t.Fatalf("expected a base64 status challenge")
	}
	_, done, err = x.Next("")
	if !done || err == nil {
		t.Fatalf("expected mandatory-abort failure, got done=%v err=%v", done, err)
	}
}

func TestXOAuth2Cancel(t *testing.T) {
	x := NewXOAuth2()
	_, done, err := x.Start("*")
	if !done || err != ErrAuthenticationCancelled {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}
