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

package chains

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// ruleFunc adapts a plain function to the Rule interface.
type ruleFunc struct {
	name   string
	record bool
	check  func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error)
}

func (r ruleFunc) Name() string { return r.name }
func (r ruleFunc) Record() bool { return r.record }
func (r ruleFunc) Check(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
	return r.check(ctx, msg, meta)
}

// TruthRule always hits. Terminal chains and catch-all links are built
// on it. Not recorded.
func TruthRule() Rule {
	return ruleFunc{name: "truth", record: false,
		check: func(*Context, *message.Msg, message.Metadata) (bool, error) {
			return true, nil
		}}
}

// AnyRule hits when any previously evaluated recorded rule hit. Not
// recorded itself.
func AnyRule() Rule {
	return ruleFunc{name: "any", record: false,
		check: func(_ *Context, _ *message.Msg, meta message.Metadata) (bool, error) {
			return len(meta.StringList(message.KeyRuleHits)) > 0, nil
		}}
}

// EmergencyRule hits when the list is in emergency moderation, unless
// the message was already explicitly approved.
func EmergencyRule() Rule {
	return ruleFunc{name: "emergency", record: true,
		check: func(ctx *Context, _ *message.Msg, meta message.Metadata) (bool, error) {
			return ctx.List.Emergency && !meta.Bool("moderator_approved"), nil
		}}
}

// LoopRule hits when the message already carries this list's List-Post
// header, which means it has passed through this list before.
func LoopRule() Rule {
	return ruleFunc{name: "loop", record: true,
		check: func(ctx *Context, msg *message.Msg, _ message.Metadata) (bool, error) {
			want := "<mailto:" + ctx.List.PostingAddress() + ">"
			fields := msg.Header.FieldsByKey("List-Post")
			for fields.Next() {
				if strings.Contains(fields.Value(), want) {
					return true, nil
				}
			}
			return false, nil
		}}
}

// ApprovedRule hits when the message carries a valid Approved: (or
// X-Approved:) header matching the list's moderator password. The
// header is removed either way so the password never reaches members.
func ApprovedRule() Rule {
	return ruleFunc{name: "approved", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			var supplied string
			for _, key := range []string{"Approved", "X-Approved"} {
				if v := msg.Header.Get(key); v != "" && supplied == "" {
					supplied = strings.TrimSpace(v)
				}
				msg.Header.Del(key)
			}
			if supplied == "" || ctx.List.ModeratorPassword == "" {
				return false, nil
			}
			ok := subtle.ConstantTimeCompare([]byte(supplied), []byte(ctx.List.ModeratorPassword)) == 1
			if ok {
				meta["moderator_approved"] = true
			}
			return ok, nil
		}}
}

var administriviaRe = regexp.MustCompile(`(?im)^\s*(subscribe|unsubscribe|join|leave|who|what|help|info|confirm)\b`)

// AdministriviaRule hits on short messages that look like misdirected
// email commands (subscribe/unsubscribe sent to the posting address).
func AdministriviaRule() Rule {
	return ruleFunc{name: "administrivia", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if !ctx.List.Administrivia {
				return false, nil
			}
			// Long messages discussing list management are legitimate
			// traffic, only short command-like ones are suspicious.
			if len(msg.Body) > 1024 {
				return false, nil
			}
			if !administriviaRe.MatchString(msg.Subject()) &&
				!administriviaRe.MatchString(string(msg.Body)) {
				return false, nil
			}
			meta.Append(message.KeyModerationReasons, "Message contains administrivia")
			return true, nil
		}}
}

// ImplicitDestRule hits when the list requires an explicit destination
// and its posting address is in neither To nor Cc.
func ImplicitDestRule() Rule {
	return ruleFunc{name: "implicit-dest", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if !ctx.List.RequireExplicitDestination {
				return false, nil
			}
			posting := strings.ToLower(ctx.List.PostingAddress())
			request := strings.ToLower(ctx.List.RequestAddress())
			for _, rcpt := range msg.Recipients() {
				if rcpt == posting || rcpt == request {
					return false, nil
				}
			}
			meta.Append(message.KeyModerationReasons, "Message has implicit destination")
			return true, nil
		}}
}

// MaxSizeRule hits when the message exceeds the list's size cap.
func MaxSizeRule() Rule {
	return ruleFunc{name: "max-size", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if ctx.List.MaxMessageSize <= 0 {
				return false, nil
			}
			size := meta.Int(message.KeyOriginalSize)
			if size == 0 {
				size = len(msg.Body)
			}
			if size <= ctx.List.MaxMessageSize {
				return false, nil
			}
			meta.Append(message.KeyModerationReasons, fmt.Sprintf(
				"Message is larger than the %d byte maximum size", ctx.List.MaxMessageSize))
			return true, nil
		}}
}

// MaxRecipientsRule hits when To+Cc name more explicit recipients than
// the list allows.
func MaxRecipientsRule() Rule {
	return ruleFunc{name: "max-recipients", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if ctx.List.MaxNumRecipients <= 0 {
				return false, nil
			}
			if len(msg.Recipients()) <= ctx.List.MaxNumRecipients {
				return false, nil
			}
			meta.Append(message.KeyModerationReasons, fmt.Sprintf(
				"Message has more than %d recipients", ctx.List.MaxNumRecipients))
			return true, nil
		}}
}

// NoSubjectRule hits on an empty or whitespace-only Subject.
func NoSubjectRule() Rule {
	return ruleFunc{name: "no-subject", record: true,
		check: func(_ *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if strings.TrimSpace(msg.Subject()) != "" {
				return false, nil
			}
			meta.Append(message.KeyModerationReasons, "Message has no subject")
			return true, nil
		}}
}

var digestSubjectRe = regexp.MustCompile(`(?i)digest\s*,?\s*vol(ume)?\s+\d+\s*,?\s+issue\s+\d+`)

// DigestsRule hits on replies that quote a digest subject, a strong
// sign the author replied to a whole digest instead of one post.
func DigestsRule() Rule {
	return ruleFunc{name: "digests", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			if !ctx.List.HoldDigests {
				return false, nil
			}
			if !digestSubjectRe.MatchString(msg.Subject()) {
				return false, nil
			}
			meta.Append(message.KeyModerationReasons, "Message has a digest subject")
			return true, nil
		}}
}

// MemberModerationRule hits when the sender is a list member whose
// effective moderation action is not defer. The action is recorded in
// metadata for the moderation jump chain.
func MemberModerationRule() Rule {
	return ruleFunc{name: "member-moderation", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			sender := msg.SenderAddress()
			if sender == "" {
				return false, nil
			}
			member, err := ctx.Tx.Member(ctx.List.ListID, sender, store.RoleMember)
			if errors.Is(err, store.ErrNoMember) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			action := member.ModerationAction
			if action == "" {
				action = ctx.List.DefaultMemberAction
			}
			if action == "" || action == store.ActionDefer {
				return false, nil
			}
			meta[message.KeyModerationAction] = string(action)
			meta[message.KeyModerationSender] = sender
			meta.Append(message.KeyModerationReasons, "The message comes from a moderated member")
			return true, nil
		}}
}

// NonmemberModerationRule hits when the sender is not subscribed and
// the list's nonmember action is not defer.
func NonmemberModerationRule() Rule {
	return ruleFunc{name: "nonmember-moderation", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			sender := msg.SenderAddress()
			if sender == "" {
				return false, nil
			}
			_, err := ctx.Tx.Member(ctx.List.ListID, sender, store.RoleMember)
			if err == nil {
				return false, nil
			}
			if !errors.Is(err, store.ErrNoMember) {
				return false, err
			}
			action := ctx.List.DefaultNonmemberAction
			if action == "" || action == store.ActionDefer {
				return false, nil
			}
			meta[message.KeyModerationAction] = string(action)
			meta[message.KeyModerationSender] = sender
			meta.Append(message.KeyModerationReasons, "The message is not from a list member")
			return true, nil
		}}
}

// DMARCMitigationRule hits when an upstream authenticity check flagged
// the message as violating its From domain's DMARC policy and the
// list's mitigation for that case is reject or discard. Other
// mitigations (munging) are applied by pipeline handlers, not here.
func DMARCMitigationRule() Rule {
	return ruleFunc{name: "dmarc-mitigation", record: true,
		check: func(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error) {
			violation := meta.Bool("dmarc") || meta.String(message.KeyDMARCAction) != ""
			if !violation {
				return false, nil
			}
			action := store.ModAction(meta.String(message.KeyDMARCAction))
			if action == "" {
				action = ctx.List.DMARCMitigateAction
			}
			if action != store.ActionReject && action != store.ActionDiscard {
				return false, nil
			}
			meta[message.KeyDMARCAction] = string(action)
			if !containsString(meta.Reasons(), "DMARC violation") {
				meta.Append(message.KeyModerationReasons, "DMARC violation")
			}
			return true, nil
		}}
}

func containsString(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}
