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
	"regexp"
	"sort"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// MemberRecipients computes the regular delivery recipient set: every
// member with delivery enabled and individual (non-digest) delivery.
// The store returns members ordered by address, so the set is stable
// across runs.
func MemberRecipients() Handler {
	return handlerFunc{name: "member-recipients", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if len(meta.StringList(message.KeyRecipients)) > 0 {
			// Recipients were precomputed (e.g. a resent held message),
			// keep them.
			return nil
		}
		members, err := ctx.Tx.Members(ctx.List.ListID, store.RoleMember)
		if err != nil {
			return err
		}
		rcpts := []string{}
		for _, m := range members {
			if m.DeliveryStatus != store.DeliveryEnabled || m.DigestDelivery {
				continue
			}
			rcpts = append(rcpts, m.Email)
		}
		meta[message.KeyRecipients] = rcpts
		return nil
	}}
}

// OwnerRecipients computes the recipient set for -owner mail: owners
// and moderators with delivery enabled.
func OwnerRecipients() Handler {
	return handlerFunc{name: "owner-recipients", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		var rcpts []string
		for _, role := range []store.MemberRole{store.RoleOwner, store.RoleModerator} {
			members, err := ctx.Tx.Members(ctx.List.ListID, role)
			if err != nil {
				return err
			}
			for _, m := range members {
				if m.DeliveryStatus != store.DeliveryEnabled {
					continue
				}
				rcpts = append(rcpts, m.Email)
			}
		}
		rcpts = dedupe(rcpts)
		meta[message.KeyRecipients] = rcpts
		if len(rcpts) == 0 {
			ctx.Log.Msg("list has no owners to deliver to", "listid", ctx.List.ListID)
		}
		return nil
	}}
}

// AvoidDuplicates drops duplicate recipients and the author when they
// asked not to receive copies of their own posts.
func AvoidDuplicates() Handler {
	return handlerFunc{name: "avoid-duplicates", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		rcpts := dedupe(meta.StringList(message.KeyRecipients))

		sender := msg.SenderAddress()
		if sender != "" {
			member, err := ctx.Tx.Member(ctx.List.ListID, sender, store.RoleMember)
			if err == nil && member.NotMeToo {
				filtered := rcpts[:0]
				for _, r := range rcpts {
					if r != sender {
						filtered = append(filtered, r)
					}
				}
				rcpts = filtered
			}
		}

		meta[message.KeyRecipients] = rcpts
		return nil
	}}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Tagger matches the list's topic patterns against Subject and
// Keywords and records hits for member topic filtering downstream.
func Tagger() Handler {
	return handlerFunc{name: "tagger", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if len(ctx.List.Topics) == 0 {
			return nil
		}
		names := make([]string, 0, len(ctx.List.Topics))
		for name := range ctx.List.Topics {
			names = append(names, name)
		}
		sort.Strings(names)

		haystack := msg.Subject() + "\n" + msg.Header.Get("Keywords")
		for _, name := range names {
			re, err := regexp.Compile(ctx.List.Topics[name])
			if err != nil {
				ctx.Log.Error("bad topic pattern", err, "listid", ctx.List.ListID, "topic", name)
				continue
			}
			if re.MatchString(haystack) {
				meta.Append(message.KeyTopicHits, name)
			}
		}
		return nil
	}}
}
