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
	"time"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/notify"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
)

// ToArchive forks a copy to the archive queue unless the list or the
// author opted out.
func ToArchive() Handler {
	return handlerFunc{name: "to-archive", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if !ctx.List.Archive || meta.Bool("noarchive") {
			return nil
		}
		if v := msg.Header.Get("X-No-Archive"); v != "" {
			return nil
		}
		return fork(ctx, queue.QArchive, msg, meta)
	}}
}

// ToDigest forks a copy to the digest queue when anyone on the list
// receives digests. The digest runner does the batching and the volume
// bookkeeping.
func ToDigest() Handler {
	return handlerFunc{name: "to-digest", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		members, err := ctx.Tx.Members(ctx.List.ListID, store.RoleMember)
		if err != nil {
			return err
		}
		wanted := false
		for _, m := range members {
			if m.DigestDelivery && m.DeliveryStatus == store.DeliveryEnabled {
				wanted = true
				break
			}
		}
		if !wanted {
			return nil
		}
		return fork(ctx, queue.QDigest, msg, meta)
	}}
}

// ToUsenet forks a copy to the news gateway queue.
func ToUsenet() Handler {
	return handlerFunc{name: "to-usenet", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if !ctx.List.GatewayToNews || ctx.List.NNTPGroup == "" {
			return nil
		}
		forkMeta := meta.Copy()
		forkMeta["nntp_group"] = ctx.List.NNTPGroup
		q, err := ctx.Queues.Get(queue.QNNTP)
		if err != nil {
			return err
		}
		_, err = q.Enqueue(msg, forkMeta)
		return err
	}}
}

// ToOutgoing hands the finished message to the delivery queue. This is
// the last stop inside the core: past here the outgoing runner owns it.
func ToOutgoing() Handler {
	return handlerFunc{name: "to-outgoing", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if meta.String(message.KeyListID) == "" {
			meta[message.KeyListID] = ctx.List.ListID
		}
		if meta.String(message.KeyEnvelopeSender) == "" {
			meta[message.KeyEnvelopeSender] = ctx.List.BouncesAddress()
		}
		// Per-recipient return paths make bounce attribution exact,
		// so they are on whenever the list processes bounces.
		meta["verp"] = ctx.List.ProcessBounces
		return fork(ctx, queue.QOut, msg, meta)
	}}
}

// AfterDelivery records the list's last post time.
func AfterDelivery() Handler {
	return handlerFunc{name: "after-delivery", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		ctx.List.LastPostAt = time.Now()
		return ctx.Tx.UpdateList(ctx.List)
	}}
}

// Acknowledge sends a delivery confirmation to authors who asked for
// one.
func Acknowledge() Handler {
	return handlerFunc{name: "acknowledge", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		sender := msg.SenderAddress()
		if sender == "" {
			return nil
		}
		member, err := ctx.Tx.Member(ctx.List.ListID, sender, store.RoleMember)
		if err != nil || !member.AckPosts {
			return nil
		}
		ack, err := notify.Acknowledgement(ctx.List, sender, msg.Subject())
		if err != nil {
			return err
		}
		virgin, err := ctx.Queues.Get(queue.QVirgin)
		if err != nil {
			return err
		}
		_, err = virgin.Enqueue(ack, message.Metadata{
			message.KeyListID:         ctx.List.ListID,
			message.KeyRecipients:     []string{sender},
			message.KeyEnvelopeSender: ctx.List.BouncesAddress(),
			message.KeyVersion:        3,
		})
		return err
	}}
}

// DMARCGate is the pipeline-side safety net for DMARC mitigation: if a
// flagged message somehow reaches a pipeline with a reject or discard
// mitigation still pending, it is stopped here.
func DMARCGate() Handler {
	return handlerFunc{name: "dmarc", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if !meta.Bool("dmarc") && meta.String(message.KeyDMARCAction) == "" {
			return nil
		}
		action := store.ModAction(meta.String(message.KeyDMARCAction))
		if action == "" {
			action = ctx.List.DMARCMitigateAction
		}
		switch action {
		case store.ActionReject:
			return RejectMessage{Reasons: []string{"DMARC violation"}}
		case store.ActionDiscard:
			return DiscardMessage{Reason: "DMARC violation"}
		}
		return nil
	}}
}

func fork(ctx *Context, qname string, msg *message.Msg, meta message.Metadata) error {
	q, err := ctx.Queues.Get(qname)
	if err != nil {
		return err
	}
	_, err = q.Enqueue(msg, meta)
	return err
}
