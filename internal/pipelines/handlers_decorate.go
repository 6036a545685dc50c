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
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/mailman/internal/message"
)

// Version is stamped into X-Mailman-Version on every outbound message.
const Version = "0.1.0"

// CookHeaders normalizes the header set every outbound message needs:
// Date, Message-Id, list identity markers and the Reply-To policy.
func CookHeaders() Handler {
	return handlerFunc{name: "cook-headers", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		msg.StampDate(time.Now())
		if msg.Header.Get("Message-Id") == "" {
			msg.Header.Set("Message-Id", message.GenerateMessageID(ctx.List.MailHost))
		}

		msg.Header.Set("X-Mailman-Version", Version)
		msg.Header.Set("Precedence", "list")

		// X-BeenThere is the loop breadcrumb, appended, never replaced:
		// a cross-posted message keeps the marks of every list it
		// passed.
		posting := ctx.List.PostingAddress()
		been := false
		fields := msg.Header.FieldsByKey("X-Beenthere")
		for fields.Next() {
			if strings.TrimSpace(fields.Value()) == posting {
				been = true
			}
		}
		if !been {
			msg.Header.Add("X-Beenthere", posting)
		}

		if ctx.List.ReplyGoesToList {
			msg.Header.Set("Reply-To", posting)
		}

		if meta.String(message.KeyEnvelopeSender) == "" {
			meta[message.KeyEnvelopeSender] = ctx.List.BouncesAddress()
		}
		return nil
	}}
}

// SubjectPrefix prepends the list's subject prefix. Idempotent: a
// subject that already carries the prefix, however deep in Re: chains,
// is left alone.
func SubjectPrefix() Handler {
	return handlerFunc{name: "subject-prefix", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		prefix := ctx.List.SubjectPrefix
		if prefix == "" {
			return nil
		}
		subject := msg.Subject()
		if strings.Contains(subject, strings.TrimSpace(prefix)) {
			return nil
		}
		msg.SetSubject(prefix + subject)
		return nil
	}}
}

// RFC2369 sets the List-* header family. Set, not Add: a message
// recycled through the list must not accumulate stale copies.
func RFC2369() Handler {
	return handlerFunc{name: "rfc-2369", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		l := ctx.List
		msg.Header.Set("List-Id", fmt.Sprintf("%s <%s>", l.DisplayName, l.ListID))
		msg.Header.Set("List-Post", fmt.Sprintf("<mailto:%s>", l.PostingAddress()))
		msg.Header.Set("List-Help", fmt.Sprintf("<mailto:%s?subject=help>", l.RequestAddress()))
		msg.Header.Set("List-Owner", fmt.Sprintf("<mailto:%s>", l.OwnerAddress()))
		msg.Header.Set("List-Subscribe", fmt.Sprintf("<mailto:%s-join@%s>", l.ListName, l.MailHost))
		msg.Header.Set("List-Unsubscribe", fmt.Sprintf("<mailto:%s-leave@%s>", l.ListName, l.MailHost))
		if l.Archive && l.ArchiveURL != "" {
			msg.Header.Set("List-Archive", fmt.Sprintf("<%s>", l.ArchiveURL))
		} else {
			msg.Header.Del("List-Archive")
		}
		return nil
	}}
}
