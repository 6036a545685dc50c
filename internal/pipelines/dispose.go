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
	"context"
	"fmt"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/store"
)

// Env is the static handler environment shared by all messages of a
// pipeline runner.
type Env struct {
	Registry   *Registry
	Queues     Queues
	Log        log.Logger
	Hostname   string
	Resolver   Resolver
	SigningKey *SigningKey
}

func (e *Env) context(ctx context.Context, tx store.Tx, list *store.MailingList) *Context {
	return &Context{
		Context:    ctx,
		Tx:         tx,
		List:       list,
		Log:        e.Log,
		Queues:     e.Queues,
		Hostname:   e.Hostname,
		Resolver:   e.Resolver,
		SigningKey: e.SigningKey,
	}
}

// Dispose runs the pipeline named in the message metadata. It is the
// disposition step for the pipeline queue.
func (e *Env) Dispose() runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil {
			return false, fmt.Errorf("pipelines: message %s has no listid", msg.MessageID())
		}
		name := meta.String(message.KeyPipeline)
		if name == "" {
			name = DefaultPosting
		}
		return false, e.Registry.Process(e.context(ctx, tx, list), msg, meta, name)
	}
}

// DisposeVirgin always runs the virgin pipeline, regardless of
// metadata. It is the disposition step for the virgin queue, whose
// entries are crafted by the core itself.
func (e *Env) DisposeVirgin() runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil {
			return false, fmt.Errorf("pipelines: virgin message %s has no listid", msg.MessageID())
		}
		return false, e.Registry.Process(e.context(ctx, tx, list), msg, meta, Virgin)
	}
}
