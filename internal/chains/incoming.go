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
	"context"
	"fmt"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/store"
)

// IncomingDispose adapts the chain engine to the runner framework: it
// is the disposition step for the in queue. The start chain comes from
// list configuration, owner mail is routed via the owner chain.
func IncomingDispose(reg *Registry, queues Queues, logger log.Logger) runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil {
			return false, fmt.Errorf("chains: message %s has no listid", msg.MessageID())
		}

		start := list.PostingChain
		if meta.Bool(message.KeyToOwner) {
			start = list.OwnerChain
			if start == "" {
				start = ChainDefaultOwner
			}
		}
		if start == "" {
			start = ChainDefaultPosting
		}

		cctx := &Context{
			Context:  ctx,
			Tx:       tx,
			List:     list,
			Registry: reg,
			Queues:   queues,
			Log:      logger,
		}
		if err := Process(cctx, msg, meta, start); err != nil {
			return false, err
		}
		return cctx.Keep, nil
	}
}
