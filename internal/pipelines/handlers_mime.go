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

package pipelines

import (
	"bytes"
	"fmt"
	"strings"

	gomessage "github.com/emersion/go-message"

	"github.com/foxcpp/mailman/internal/message"
)

// Cleanse strips headers that must not reach list members: approval
// passwords and sender-tracking requests.
func Cleanse() Handler {
	return handlerFunc{name: "cleanse", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		for _, key := range []string{
			"Approved", "X-Approved", "Urgent",
			"Return-Receipt-To", "Disposition-Notification-To",
			"X-Confirm-Reading-To", "X-Pmrqc",
		} {
			msg.Header.Del(key)
		}
		return nil
	}}
}

// MIMEDelete applies the list's content filtering: parts whose media
// type is filtered (or not passed, when a pass list is set) are removed
// from the MIME tree. A message emptied by filtering is discarded.
func MIMEDelete() Handler {
	return handlerFunc{name: "mime-delete", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if !ctx.List.FilterContent {
			return nil
		}

		changed, err := msg.FilterParts(func(e *message.Entity) bool {
			ct := message.ContentType(e)
			if typeMatches(ct, ctx.List.FilterTypes) {
				return false
			}
			if len(ctx.List.PassTypes) > 0 && !typeMatches(ct, ctx.List.PassTypes) {
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if changed {
			ctx.Log.DebugMsg("content filtered", "msgid", msg.MessageID())
			msg.Header.Add("X-Content-Filtered-By", "Mailman")
		}
		if len(bytes.TrimSpace(msg.Body)) == 0 {
			return DiscardMessage{Reason: "After content filtering, the message was empty"}
		}
		return nil
	}}
}

// typeMatches reports whether ct matches any pattern. A pattern is
// either a full media type ("image/jpeg") or a main type ("image").
func typeMatches(ct string, patterns []string) bool {
	main := ct
	if idx := strings.IndexByte(ct, '/'); idx >= 0 {
		main = ct[:idx]
	}
	for _, p := range patterns {
		if strings.EqualFold(p, ct) || strings.EqualFold(p, main) {
			return true
		}
	}
	return false
}

// Scrubber replaces non-text parts with a short text note. Digest and
// plain-text deliveries use it, regular list traffic does not.
func Scrubber() Handler {
	return handlerFunc{name: "scrubber", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		_, err := msg.TransformParts(func(e *message.Entity) (*message.Entity, error) {
			ct := message.ContentType(e)
			if strings.HasPrefix(ct, "text/") {
				return e, nil
			}
			_, params, _ := e.Header.ContentType()
			name := params["name"]
			if name == "" {
				name = "not available"
			}
			note := fmt.Sprintf(
				"A non-text attachment was scrubbed...\nName: %s\nType: %s\n", name, ct)

			var hdr gomessage.Header
			hdr.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
			return &message.Entity{Header: hdr, Body: strings.NewReader(note)}, nil
		})
		return err
	}}
}
