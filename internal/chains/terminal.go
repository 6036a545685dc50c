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
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/notify"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
)

// Chain names every deployment has.
const (
	ChainAccept     = "accept"
	ChainHold       = "hold"
	ChainReject     = "reject"
	ChainDiscard    = "discard"
	ChainModeration = "moderation"
	ChainDMARC      = "dmarc"

	ChainDefaultPosting = "default-posting-chain"
	ChainDefaultOwner   = "default-owner-chain"
)

// terminal wires a disposition function as a chain: run it on the
// always-true rule, then stop.
func terminal(name string, fn LinkFunc) Chain {
	return &StaticChain{
		ChainName: name,
		LinkDefs: []Link{
			{Rule: "truth", Action: ActionRun, Run: fn},
			{Rule: "truth", Action: ActionStop},
		},
	}
}

// AcceptChain hands the message over to the pipeline queue. The
// pipeline name travels in metadata so the pipeline runner does not
// have to re-derive list policy.
func AcceptChain() Chain {
	return terminal(ChainAccept, func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		pipeline := ctx.List.PostingPipeline
		if meta.Bool(message.KeyToOwner) && ctx.List.OwnerPipeline != "" {
			pipeline = ctx.List.OwnerPipeline
		}
		if pipeline == "" {
			pipeline = "default-posting-pipeline"
		}
		meta[message.KeyPipeline] = pipeline

		q, err := ctx.Queues.Get(queue.QPipeline)
		if err != nil {
			return err
		}
		if _, err := q.Enqueue(msg, meta); err != nil {
			return err
		}
		ctx.Log.Msg("ACCEPT", "msgid", msg.MessageID(), "listid", ctx.List.ListID, "pipeline", pipeline)
		ctx.notify(AcceptEvent{MessageID: msg.MessageID(), Pipeline: pipeline})
		return nil
	})
}

// HoldChain pends the message for moderator review. The queue entry is
// preserved in place (Context.Keep), the pending token recorded in the
// store is what the approval workflow later resolves against.
func HoldChain() Chain {
	return terminal(ChainHold, func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		reasons := meta.Reasons()

		payload := store.Pending{
			"type":       "held message",
			"list_id":    ctx.List.ListID,
			"message_id": msg.MessageID(),
			"sender":     holdSender(msg, meta),
			"subject":    msg.Subject(),
		}
		if len(reasons) > 0 {
			payload["reasons"] = reasons
		}
		if err := ctx.Tx.AddPending(token, payload); err != nil {
			return fmt.Errorf("hold: %w", err)
		}

		notice := notify.HeldNotice{
			List:    ctx.List,
			Sender:  holdSender(msg, meta),
			Subject: msg.Subject(),
			Token:   token,
			Reasons: reasons,
		}
		virgin, err := ctx.Queues.Get(queue.QVirgin)
		if err != nil {
			return err
		}
		modMsg, err := notice.ForModerators()
		if err != nil {
			return err
		}
		if err := enqueueNotice(virgin, ctx.List, modMsg, ctx.List.OwnerAddress()); err != nil {
			return err
		}
		if notice.Sender != "" {
			senderMsg, err := notice.ForSender()
			if err != nil {
				return err
			}
			if err := enqueueNotice(virgin, ctx.List, senderMsg, notice.Sender); err != nil {
				return err
			}
		}

		ctx.Keep = true
		ctx.Log.Msg("HOLD", "msgid", msg.MessageID(), "listid", ctx.List.ListID,
			"reasons", reasonsOrNA(reasons), "token", token)
		ctx.notify(HoldEvent{MessageID: msg.MessageID(), Token: token, Reasons: reasons})
		return nil
	})
}

// RejectChain bounces the message back to its author with the recorded
// reasons and the original attached.
func RejectChain() Chain {
	return terminal(ChainReject, func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		recipient := holdSender(msg, meta)
		reasons := meta.Reasons()
		if recipient == "" {
			ctx.Log.Msg("REJECT without sender, dropping", "msgid", msg.MessageID())
			ctx.notify(RejectEvent{MessageID: msg.MessageID(), Reasons: reasons})
			return nil
		}

		bounce, err := notify.Rejection(ctx.List, recipient, reasons, msg)
		if err != nil {
			return err
		}
		virgin, err := ctx.Queues.Get(queue.QVirgin)
		if err != nil {
			return err
		}
		if err := enqueueNotice(virgin, ctx.List, bounce, recipient); err != nil {
			return err
		}

		ctx.Log.Msg("REJECT", "msgid", msg.MessageID(), "listid", ctx.List.ListID,
			"reasons", reasonsOrNA(reasons))
		ctx.notify(RejectEvent{MessageID: msg.MessageID(), Reasons: reasons})
		return nil
	})
}

// DiscardChain drops the message. Silent towards the sender, loud in
// the log.
func DiscardChain() Chain {
	return terminal(ChainDiscard, func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		reasons := meta.Reasons()
		ctx.Log.Msg(fmt.Sprintf("DISCARD: %s", msg.MessageID()), "reasons", reasonsOrNA(reasons))
		ctx.notify(DiscardEvent{MessageID: msg.MessageID(), Reasons: reasons})
		return nil
	})
}

func holdSender(msg *message.Msg, meta message.Metadata) string {
	if s := meta.String(message.KeyModerationSender); s != "" {
		return s
	}
	return msg.SenderAddress()
}

func reasonsOrNA(reasons []string) string {
	if len(reasons) == 0 {
		return "[n/a]"
	}
	return strings.Join(reasons, "; ")
}

// enqueueNotice places a crafted notification on the virgin queue with
// the minimal metadata the virgin pipeline needs.
func enqueueNotice(virgin *queue.Switchboard, list *store.MailingList, msg *message.Msg, rcpt string) error {
	meta := message.Metadata{
		message.KeyListID:         list.ListID,
		message.KeyRecipients:     []string{rcpt},
		message.KeyEnvelopeSender: list.OwnerAddress(),
		message.KeyVersion:        3,
	}
	_, err := virgin.Enqueue(msg, meta)
	return err
}
