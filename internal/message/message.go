/*
Mailman message-processing core - rule chains, handler pipelines, queue runners.
Copyright © 2023-2024 The mailman-go developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package message wraps a parsed RFC 5322 message together with the
// processing metadata that travels with it across queues.
//
// The header is kept in parsed form (ordered, case-insensitive, repeated
// fields allowed) while the body is kept as raw bytes. Handlers that need
// to restructure the MIME tree parse the body on demand (see mime.go).
package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Msg is a mutable in-memory representation of a list message.
//
// Unlike an MTA, a list manager rewrites both headers and bodies, so the
// whole message is buffered in memory for the duration of processing.
type Msg struct {
	Header textproto.Header

	// Body is the raw body, exactly as it appeared after the blank line
	// separating it from the header. It is not decoded in any way.
	Body []byte
}

// Read parses a message from the reader.
//
// Header parse errors are returned as-is. An empty body is not an error.
func Read(r io.Reader) (*Msg, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("message: malformed header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("message: body read: %w", err)
	}
	return &Msg{Header: hdr, Body: body}, nil
}

// FromBytes parses a message from raw 5322 bytes.
func FromBytes(blob []byte) (*Msg, error) {
	return Read(bytes.NewReader(blob))
}

// WriteTo serializes the message. The output round-trips through Read
// byte-exactly for messages that were not modified in between.
func (m *Msg) WriteTo(w io.Writer) error {
	if err := textproto.WriteHeader(w, m.Header); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// Bytes returns the serialized message.
func (m *Msg) Bytes() []byte {
	var buf bytes.Buffer
	// bytes.Buffer does not fail.
	_ = m.WriteTo(&buf)
	return buf.Bytes()
}

// Copy returns a deep copy that can be mutated independently.
func (m *Msg) Copy() *Msg {
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Msg{Header: m.Header.Copy(), Body: body}
}

// Subject returns the Subject field, undecoded.
func (m *Msg) Subject() string {
	return m.Header.Get("Subject")
}

// SetSubject replaces the Subject field, keeping its position in the
// header if it was already present.
func (m *Msg) SetSubject(s string) {
	m.Header.Set("Subject", s)
}

// MessageID returns the Message-ID field with angle brackets preserved,
// or "[n/a]" when the field is missing or empty. The placeholder form is
// used verbatim in operator-facing log lines.
func (m *Msg) MessageID() string {
	id := strings.TrimSpace(m.Header.Get("Message-Id"))
	if id == "" {
		return "[n/a]"
	}
	return id
}

// SenderAddress returns the address the message should be attributed to:
// the first From address, falling back to Sender, then Reply-To.
func (m *Msg) SenderAddress() string {
	for _, field := range []string{"From", "Sender", "Reply-To"} {
		raw := m.Header.Get(field)
		if raw == "" {
			continue
		}
		list, err := mail.ParseAddressList(raw)
		if err != nil || len(list) == 0 {
			continue
		}
		return strings.ToLower(list[0].Address)
	}
	return ""
}

// Recipients returns all addresses present in To and Cc, lower-cased,
// in header order.
func (m *Msg) Recipients() []string {
	var out []string
	for _, field := range []string{"To", "Cc"} {
		raw := m.Header.Get(field)
		if raw == "" {
			continue
		}
		list, err := mail.ParseAddressList(raw)
		if err != nil {
			continue
		}
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}

// GenerateMessageID creates an RFC 5322 msg-id using the given domain.
func GenerateMessageID(domain string) string {
	return "<" + uuid.New().String() + "@" + domain + ">"
}

// StampDate sets the Date field if it is missing.
func (m *Msg) StampDate(now time.Time) {
	if m.Header.Get("Date") == "" {
		m.Header.Set("Date", now.UTC().Format(time.RFC1123Z))
	}
}
