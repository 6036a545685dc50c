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

package message

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// Entity re-exports the go-message entity type used by part transforms.
type Entity = message.Entity

// PartTransform is applied to every leaf (non-multipart) part of the
// MIME tree. Returning nil drops the part, returning a different entity
// replaces it.
type PartTransform func(e *Entity) (*Entity, error)

// TransformParts parses the body into a MIME tree, applies f to every
// leaf part and reserializes the message in place.
//
// A multipart container that loses all children is dropped. A container
// left with exactly one child is collapsed into that child, matching
// the usual list-server content filtering behavior.
//
// Returns false if the tree came back identical (f returned its
// argument for every part).
func (m *Msg) TransformParts(f PartTransform) (bool, error) {
	e, err := message.Read(bytes.NewReader(m.Bytes()))
	if err != nil {
		if !message.IsUnknownCharset(err) {
			return false, err
		}
		// Unknown charsets are not fatal, the payload is still usable.
	}

	changed := false
	newRoot, err := transformEntity(e, f, &changed)
	if err != nil {
		return false, err
	}
	if newRoot == nil {
		// Everything was stripped. Leave an empty text part so the
		// message remains well-formed.
		hdr := message.Header{}
		hdr.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		newRoot, err = bufferEntity(&message.Entity{Header: hdr, Body: strings.NewReader("")})
		if err != nil {
			return false, err
		}
		changed = true
	}
	if !changed {
		return false, nil
	}

	// Content-type bookkeeping lives in the entity header now, the
	// envelope fields (From, To, Subject, ...) stay in m.Header.
	var buf bytes.Buffer
	if err := newRoot.WriteTo(&buf); err != nil {
		return false, err
	}
	rewritten, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return false, err
	}
	for _, key := range []string{"Content-Type", "Content-Transfer-Encoding", "Mime-Version", "Content-Disposition"} {
		m.Header.Del(key)
		if v := rewritten.Header.Get(key); v != "" {
			m.Header.Add(key, v)
		}
	}
	m.Body = rewritten.Body
	return true, nil
}

func transformEntity(e *Entity, f PartTransform, changed *bool) (*Entity, error) {
	mr := e.MultipartReader()
	if mr == nil {
		newE, err := f(e)
		if err != nil {
			return nil, err
		}
		if newE != e {
			*changed = true
		}
		if newE == nil {
			return nil, nil
		}
		return bufferEntity(newE)
	}

	var kept []*Entity
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		// The part body is only valid until NextPart, buffer before
		// recursing.
		buffered, err := bufferEntity(part)
		if err != nil {
			return nil, err
		}
		newPart, err := transformEntity(buffered, f, changed)
		if err != nil {
			return nil, err
		}
		if newPart != nil {
			kept = append(kept, newPart)
		}
	}

	switch len(kept) {
	case 0:
		*changed = true
		return nil, nil
	case 1:
		// Collapse the container.
		*changed = true
		return kept[0], nil
	default:
		return message.NewMultipart(e.Header, kept)
	}
}

// bufferEntity reads the entity body into memory so the entity survives
// the multipart reader advancing past it.
func bufferEntity(e *Entity) (*Entity, error) {
	blob, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, err
	}
	return &Entity{Header: e.Header, Body: bytes.NewReader(blob)}, nil
}

// FilterParts drops every leaf part for which keep returns false.
func (m *Msg) FilterParts(keep func(e *Entity) bool) (bool, error) {
	return m.TransformParts(func(e *Entity) (*Entity, error) {
		if keep(e) {
			return e, nil
		}
		return nil, nil
	})
}

// ContentType returns the media type of an entity, "text/plain" when
// the header is absent or malformed.
func ContentType(e *Entity) string {
	t, _, err := e.Header.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return t
}

// FirstTextPart returns the decoded payload of the first text/plain
// leaf part, or the whole body for non-MIME messages.
func (m *Msg) FirstTextPart() (string, error) {
	e, err := message.Read(bytes.NewReader(m.Bytes()))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	part := firstText(e)
	if part == nil {
		return "", nil
	}
	blob, err := io.ReadAll(part.Body)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func firstText(e *Entity) *Entity {
	mr := e.MultipartReader()
	if mr == nil {
		if strings.HasPrefix(ContentType(e), "text/") {
			return e
		}
		return nil
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil
		}
		buffered, err := bufferEntity(part)
		if err != nil {
			return nil
		}
		if found := firstText(buffered); found != nil {
			return found
		}
	}
}
