// Package frame implements the byte-stream parser that sits between a raw
// connection and the SMTP command dispatcher: line splitting in command
// mode, and dot-unstuffed, terminator-detecting body streaming in data
// mode. Both modes read from the same shared *bufio.Reader, so chunk
// boundaries never need special-casing — a short read simply blocks until
// more bytes arrive, exactly as with any other blocking Go I/O.
package frame

import (
	"bufio"
	"fmt"
	"io"
)

// terminator is the exact byte sequence that ends DATA: <CRLF>.<CRLF>.
const terminator = "\r\n.\r\n"

// emptyBodyTerminator is the degenerate case of an immediately-empty body:
// the client sends just ".\r\n" with no leading CRLF of its own, because
// that CRLF belonged to the DATA command's own line, already consumed by
// command mode.
const emptyBodyTerminator = ".\r\n"

// ReadCommandLine reads one command-mode line, tokenising on "\r\n" or a
// bare "\n". The returned string excludes the terminator. io.EOF is
// returned verbatim when the stream ends with no more bytes to deliver.
func ReadCommandLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			// Final command with no terminator, per the command-mode
			// EOF contract.
			return line, nil
		}
		return "", err
	}
	line = line[:len(line)-1] // drop '\n'
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// BodyReader streams a dot-unstuffed DATA body from the shared reader.
// It never buffers the whole message: Read pulls exactly as many bytes
// from the connection as needed to satisfy the caller, plus the lookahead
// required to recognize the terminator. Reading continues until the
// terminator is found (returns io.EOF) or a transport error occurs.
type BodyReader struct {
	r            *bufio.Reader
	maxBytes     int64
	bytesRead    int64
	sizeExceeded bool
	atLineStart  bool
	started      bool
	terminated   bool
	pending      []byte
	err          error
	touch        func()
}

// StartDataMode begins streaming a DATA body from r. maxBytes is the
// configured size cap (0 = unlimited); the reader never truncates, it
// only reports SizeExceeded once the terminator is reached.
//
// touch, if non-nil, is called before every attempt to pull more bytes
// out of r — including the internal terminator lookahead — so a caller
// backed by a deadline-bearing connection can refresh an idle timeout on
// every chunk the client actually sends, rather than bounding the whole
// body transfer by a single deadline set before streaming began.
func StartDataMode(r *bufio.Reader, maxBytes int64, touch func()) *BodyReader {
	return &BodyReader{r: r, maxBytes: maxBytes, atLineStart: true, touch: touch}
}

// Read implements io.Reader. Once the terminator is consumed, Read
// returns io.EOF; Len and SizeExceeded are then final.
func (b *BodyReader) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if b.terminated {
			return 0, io.EOF
		}
		if b.err != nil {
			return 0, b.err
		}
		if err := b.fill(); err != nil {
			if err == io.EOF {
				b.terminated = true
				continue
			}
			b.err = fmt.Errorf("frame: reading DATA body: %w", err)
			return 0, b.err
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Len returns the number of body bytes delivered so far (post-unstuffing).
func (b *BodyReader) Len() int64 { return b.bytesRead }

// SizeExceeded reports whether more than maxBytes were received. Valid
// once Read has returned io.EOF.
func (b *BodyReader) SizeExceeded() bool { return b.sizeExceeded }

// fill pulls and processes bytes from the connection until there is at
// least one pending output byte, the terminator is found (io.EOF), or a
// transport error occurs.
func (b *BodyReader) fill() error {
	for {
		if b.touch != nil {
			b.touch()
		}

		if !b.started {
			peek, _ := b.r.Peek(len(emptyBodyTerminator))
			if string(peek) == emptyBodyTerminator {
				b.r.Discard(len(emptyBodyTerminator))
				return io.EOF
			}
		}

		peek, _ := b.r.Peek(len(terminator))
		if string(peek) == terminator {
			b.r.Discard(len(terminator))
			return io.EOF
		}

		c, err := b.r.ReadByte()
		if err != nil {
			return err
		}
		b.started = true

		if b.atLineStart && c == '.' {
			next, _ := b.r.Peek(1)
			if len(next) == 1 && next[0] == '.' {
				// Leading stuffed dot: drop it, and do not re-arm the
				// line-start check — the byte that follows is real
				// content, even though it is itself a '.'.
				b.atLineStart = false
				continue
			}
		}

		b.pending = append(b.pending, c)
		b.bytesRead++
		b.atLineStart = c == '\n'
		if b.maxBytes > 0 && b.bytesRead > b.maxBytes {
			b.sizeExceeded = true
		}
		return nil
	}
}
