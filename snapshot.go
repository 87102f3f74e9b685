package smtpserver

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
)

// EnvelopeSnapshot is a compact, point-in-time record of a session's
// envelope and identity, meant for audit or metrics sinks that want a
// binary record without touching message bodies or delivery. The core
// never writes these anywhere itself; MarshalBinary/UnmarshalBinary are
// offered for a host to wire into its own sink.
type EnvelopeSnapshot struct {
	SessionID      string
	RemoteAddress  string
	ClientHostname string
	MailFrom       string
	RcptTo         []string
	AuthIdentity   string
	Secure         bool
	Transaction    int
	CreatedAtUnix  int64
}

// Snapshot captures the current envelope state of sess.
func Snapshot(sess *Session) EnvelopeSnapshot {
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	snap := EnvelopeSnapshot{
		SessionID:      sess.ID,
		RemoteAddress:  sess.RemoteAddress,
		ClientHostname: sess.ClientHostname,
		AuthIdentity:   sess.Auth.Identity,
		Secure:         sess.Secure,
		Transaction:    sess.Transaction,
		CreatedAtUnix:  sess.createdAt.Unix(),
	}
	if sess.Envelope.MailFrom != nil {
		snap.MailFrom = sess.Envelope.MailFrom.String()
	}
	for _, r := range sess.Envelope.RcptTo {
		snap.RcptTo = append(snap.RcptTo, r.String())
	}
	return snap
}

const snapshotFieldCount = 9

// MarshalBinary encodes the snapshot as a MessagePack map, written
// directly against msgp's wire primitives rather than through a
// generated Marshaler.
func (e EnvelopeSnapshot) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteMapHeader(snapshotFieldCount); err != nil {
		return nil, err
	}
	fields := []struct {
		key string
		val func() error
	}{
		{"session_id", func() error { return w.WriteString(e.SessionID) }},
		{"remote_address", func() error { return w.WriteString(e.RemoteAddress) }},
		{"client_hostname", func() error { return w.WriteString(e.ClientHostname) }},
		{"mail_from", func() error { return w.WriteString(e.MailFrom) }},
		{"auth_identity", func() error { return w.WriteString(e.AuthIdentity) }},
		{"secure", func() error { return w.WriteBool(e.Secure) }},
		{"transaction", func() error { return w.WriteInt(e.Transaction) }},
		{"created_at", func() error { return w.WriteInt64(e.CreatedAtUnix) }},
		{"rcpt_to", func() error {
			if err := w.WriteArrayHeader(uint32(len(e.RcptTo))); err != nil {
				return err
			}
			for _, r := range e.RcptTo {
				if err := w.WriteString(r); err != nil {
					return err
				}
			}
			return nil
		}},
	}
	for _, f := range fields {
		if err := w.WriteString(f.key); err != nil {
			return nil, err
		}
		if err := f.val(); err != nil {
			return nil, err
		}
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot written by MarshalBinary.
func (e *EnvelopeSnapshot) UnmarshalBinary(data []byte) error {
	r := msgp.NewReader(bytes.NewReader(data))

	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "session_id":
			e.SessionID, err = r.ReadString()
		case "remote_address":
			e.RemoteAddress, err = r.ReadString()
		case "client_hostname":
			e.ClientHostname, err = r.ReadString()
		case "mail_from":
			e.MailFrom, err = r.ReadString()
		case "auth_identity":
			e.AuthIdentity, err = r.ReadString()
		case "secure":
			e.Secure, err = r.ReadBool()
		case "transaction":
			e.Transaction, err = r.ReadInt()
		case "created_at":
			e.CreatedAtUnix, err = r.ReadInt64()
		case "rcpt_to":
			var count uint32
			count, err = r.ReadArrayHeader()
			if err != nil {
				return err
			}
			e.RcptTo = make([]string, 0, count)
			for j := uint32(0); j < count; j++ {
				var s string
				if s, err = r.ReadString(); err != nil {
					return err
				}
				e.RcptTo = append(e.RcptTo, s)
			}
		default:
			err = r.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
