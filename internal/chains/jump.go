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

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// moderationChain forwards to accept/hold/reject/discard per the
// moderation_action metadata a moderation rule recorded earlier in the
// walk. A message can only reach this chain with a concrete action;
// "defer" here means a rule forgot to resolve the member default.
type moderationChain struct{}

func ModerationChain() Chain { return moderationChain{} }

func (moderationChain) Name() string { return ChainModeration }

func (moderationChain) Links(*Context, *message.Msg, message.Metadata) ([]Link, error) {
	return nil, nil
}

func (moderationChain) Target(ctx *Context, msg *message.Msg, meta message.Metadata) (string, error) {
	action := store.ModAction(meta.String(message.KeyModerationAction))
	switch action {
	case store.ActionAccept:
		return ChainAccept, nil
	case store.ActionHold:
		return ChainHold, nil
	case store.ActionReject:
		return ChainReject, nil
	case store.ActionDiscard:
		return ChainDiscard, nil
	}
	return "", DispositionError{Reason: fmt.Sprintf(
		"moderation: invalid moderation_action %q for %s", action, msg.MessageID())}
}

// dmarcChain forwards to reject or discard per the list's configured
// DMARC mitigation. The dmarc-mitigation rule only hits when the
// mitigation is one of those two, so anything else is a broken walk.
type dmarcChain struct{}

func DMARCChain() Chain { return dmarcChain{} }

func (dmarcChain) Name() string { return ChainDMARC }

func (dmarcChain) Links(*Context, *message.Msg, message.Metadata) ([]Link, error) {
	return nil, nil
}

func (dmarcChain) Target(ctx *Context, msg *message.Msg, meta message.Metadata) (string, error) {
	action := store.ModAction(meta.String(message.KeyDMARCAction))
	switch action {
	case store.ActionReject:
		return ChainReject, nil
	case store.ActionDiscard:
		return ChainDiscard, nil
	}
	return "", DispositionError{Reason: fmt.Sprintf(
		"dmarc: invalid dmarc_action %q for %s", action, msg.MessageID())}
}
