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

/*
Package bounce turns delivery failures into membership state.

The dispose step attributes each message on the bounces queue to member
addresses, via VERP when possible, via bounce parsing otherwise, and
records bounce events. The periodic pass folds unprocessed events into
per-member scores and walks the disable/warn/remove escalation.
*/
package bounce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/metrics"
	"github.com/foxcpp/mailman/internal/notify"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/store"
)

// Escalation defaults used when the list leaves a knob at zero.
const (
	defaultScoreThreshold  = 5.0
	defaultMaxWarnings     = 3
	defaultWarningInterval = 7 * 24 * time.Hour
)

// Queues is the queue access the bounce processor needs for notices
// and probes.
type Queues interface {
	Get(name string) (*queue.Switchboard, error)
}

// Env is the static environment of the bounce runner.
type Env struct {
	Queues Queues
	Log    log.Logger

	// Now is replaceable for tests. Nil means time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Dispose is the disposition step for the bounces queue.
func (e *Env) Dispose() runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil {
			return false, fmt.Errorf("bounce: message %s has no listid", msg.MessageID())
		}
		if !list.ProcessBounces {
			e.Log.DebugMsg("bounce processing disabled", "listid", list.ListID)
			return false, nil
		}

		candidates := verpAddresses(msg)

		// Standard VERP: the failed recipient is encoded in the address
		// the bounce came back to.
		for _, addr := range candidates {
			rcpt, ok := ExtractVERP(list, addr)
			if !ok {
				continue
			}
			res := Parse(msg)
			if len(res.Permanent) == 0 && len(res.Temporary) > 0 {
				e.Log.DebugMsg("temporary-only VERP bounce ignored",
					"listid", list.ListID, "rcpt", rcpt)
				return false, nil
			}
			// No parseable body at all still counts: VERP already
			// attributed it, and MTAs only return mail that failed.
			return false, e.register(tx, list, rcpt, store.ContextNormal)
		}

		// Probe VERP: the token resolves to the member the probe was
		// sent to.
		for _, addr := range candidates {
			token, ok := ExtractProbeToken(list, addr)
			if !ok {
				continue
			}
			payload, err := tx.ConfirmPending(token)
			if errors.Is(err, store.ErrNoToken) {
				e.Log.Msg("probe bounce with unknown token", "listid", list.ListID, "token", token)
				return false, nil
			}
			if err != nil {
				return false, err
			}
			email, _ := payload["email"].(string)
			if email == "" {
				e.Log.Msg("probe pending without email", "listid", list.ListID, "token", token)
				return false, nil
			}
			return false, e.register(tx, list, email, store.ContextProbe)
		}

		// Generic parsing as the last resort.
		res := Parse(msg)
		if res.Empty() {
			if len(res.Temporary) == 0 {
				return false, e.forwardUnrecognized(tx, list, msg)
			}
			return false, nil
		}
		if len(res.Permanent) == 0 {
			e.Log.DebugMsg("temporary-only bounce ignored", "listid", list.ListID)
			return false, nil
		}
		for _, addr := range res.Permanent {
			if !utf8.ValidString(addr) {
				e.Log.Msg("skipping non-UTF-8 address from bounce parser",
					"listid", list.ListID, "addr", fmt.Sprintf("%q", addr))
				continue
			}
			if err := e.register(tx, list, addr, store.ContextNormal); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

func (e *Env) register(tx store.Tx, list *store.MailingList, email string, bctx store.BounceContext) error {
	ev := &store.BounceEvent{
		ListID:    list.ListID,
		Email:     strings.ToLower(email),
		Timestamp: e.now(),
		Context:   bctx,
	}
	if err := tx.AddBounceEvent(ev); err != nil {
		return err
	}
	metrics.BounceEvents.WithLabelValues(string(bctx)).Inc()
	e.Log.DebugMsg("bounce event registered", "listid", list.ListID, "email", ev.Email, "context", string(bctx))
	return nil
}

func (e *Env) forwardUnrecognized(tx store.Tx, list *store.MailingList, msg *message.Msg) error {
	fwd, err := notify.UnrecognizedBounce(list, msg)
	if err != nil {
		return err
	}
	return e.enqueueVirgin(list, fwd, list.OwnerAddress(), "")
}

func (e *Env) enqueueVirgin(list *store.MailingList, msg *message.Msg, rcpt, envSender string) error {
	if envSender == "" {
		envSender = list.OwnerAddress()
	}
	virgin, err := e.Queues.Get(queue.QVirgin)
	if err != nil {
		return err
	}
	_, err = virgin.Enqueue(msg, message.Metadata{
		message.KeyListID:         list.ListID,
		message.KeyRecipients:     []string{rcpt},
		message.KeyEnvelopeSender: envSender,
		message.KeyVersion:        3,
	})
	return err
}

// Periodic returns the scoring pass run between queue snapshots: fold
// unprocessed events into member scores and advance the warn/remove
// escalation for disabled members.
func (e *Env) Periodic(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		tx, err := st.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				tx.Rollback()
				return
			}
			err = tx.Commit()
		}()

		lists, err := tx.Lists()
		if err != nil {
			return err
		}
		for _, listID := range lists {
			list, err := tx.List(listID)
			if err != nil {
				return err
			}
			if !list.ProcessBounces {
				continue
			}
			if err := e.scoreEvents(tx, list); err != nil {
				return err
			}
			if err := e.sendWarnings(tx, list); err != nil {
				return err
			}
		}
		return nil
	}
}

// scoreEvents applies every unprocessed event of the list. Events are
// marked processed in the same transaction as the member update, so
// accounting is at-most-once even across crashes.
func (e *Env) scoreEvents(tx store.Tx, list *store.MailingList) error {
	events, err := tx.UnprocessedBounceEvents(list.ListID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		member, err := tx.Member(list.ListID, ev.Email, store.RoleMember)
		if errors.Is(err, store.ErrNoMember) {
			e.Log.Msg("bounce event for non-member discarded",
				"listid", list.ListID, "email", ev.Email)
			if err := tx.MarkBounceEventProcessed(ev.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if member.DeliveryStatus == store.DeliveryByBounces {
			// Already disabled, the warning escalation owns it now.
			if err := tx.MarkBounceEventProcessed(ev.ID); err != nil {
				return err
			}
			continue
		}

		if ev.Context == store.ContextProbe {
			// A bounced probe is definitive.
			e.disable(member)
		} else {
			e.bump(list, member, ev.Timestamp)
			threshold := list.BounceScoreThreshold
			if threshold == 0 {
				threshold = defaultScoreThreshold
			}
			if member.BounceScore >= threshold {
				if list.SendProbes {
					if err := e.sendProbe(tx, list, member); err != nil {
						return err
					}
				} else {
					e.disable(member)
				}
			}
		}

		if err := tx.UpdateMember(member); err != nil {
			return err
		}
		if err := tx.MarkBounceEventProcessed(ev.ID); err != nil {
			return err
		}
	}
	return nil
}

// bump adds at most one point per bounce day, resetting a score whose
// information has gone stale.
func (e *Env) bump(list *store.MailingList, member *store.Member, when time.Time) {
	if list.BounceInfoStaleAfter > 0 && !member.LastBounceReceived.IsZero() &&
		when.Sub(member.LastBounceReceived) > list.BounceInfoStaleAfter {
		member.BounceScore = 0
	}
	if !sameDay(member.LastBounceReceived, when) {
		member.BounceScore++
	}
	member.LastBounceReceived = when
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (e *Env) disable(member *store.Member) {
	member.DeliveryStatus = store.DeliveryByBounces
	member.BounceScore = 0
	member.BounceWarningsSent = 0
	member.LastWarningSent = time.Time{}
	metrics.MembersDisabled.Inc()
	e.Log.Msg("delivery disabled by bounce score",
		"listid", member.ListID, "email", member.Email)
}

// sendProbe sends an active probe instead of disabling outright. The
// probe's return path carries a pending token; if the probe bounces,
// the dispose step registers a probe event and the member is disabled.
func (e *Env) sendProbe(tx store.Tx, list *store.MailingList, member *store.Member) error {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	err := tx.AddPending(token, store.Pending{
		"type":    "probe",
		"list_id": list.ListID,
		"email":   member.Email,
	})
	if err != nil {
		return err
	}
	probe, err := notify.Probe(list, member.Email)
	if err != nil {
		return err
	}
	if err := e.enqueueVirgin(list, probe, member.Email, list.ProbeAddress(token)); err != nil {
		return err
	}
	// The probe resets the counter; only its own failure escalates.
	member.BounceScore = 0
	e.Log.Msg("probe sent", "listid", list.ListID, "email", member.Email)
	return nil
}

// sendWarnings walks disabled members: remind them on the configured
// interval and remove them once all warnings went unanswered.
func (e *Env) sendWarnings(tx store.Tx, list *store.MailingList) error {
	members, err := tx.Members(list.ListID, store.RoleMember)
	if err != nil {
		return err
	}
	maxWarnings := list.BounceYouAreDisabledWarnings
	if maxWarnings == 0 {
		maxWarnings = defaultMaxWarnings
	}
	interval := list.BounceYouAreDisabledWarningsInterval
	if interval == 0 {
		interval = defaultWarningInterval
	}
	now := e.now()

	for _, member := range members {
		if member.DeliveryStatus != store.DeliveryByBounces {
			continue
		}

		if member.BounceWarningsSent >= maxWarnings {
			if err := tx.RemoveMember(list.ListID, member.Email, store.RoleMember); err != nil {
				return err
			}
			notice, err := notify.RemovalNotice(list, member.Email)
			if err != nil {
				return err
			}
			if err := e.enqueueVirgin(list, notice, member.Email, ""); err != nil {
				return err
			}
			metrics.MembersRemoved.Inc()
			e.Log.Msg("member removed after unanswered warnings",
				"listid", list.ListID, "email", member.Email)
			continue
		}

		if !member.LastWarningSent.IsZero() && now.Sub(member.LastWarningSent) < interval {
			continue
		}
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		err = tx.AddPending(token, store.Pending{
			"type":    "re-enable",
			"list_id": list.ListID,
			"email":   member.Email,
		})
		if err != nil {
			return err
		}
		warning, err := notify.DisabledWarning(list, member.Email, token)
		if err != nil {
			return err
		}
		if err := e.enqueueVirgin(list, warning, member.Email, ""); err != nil {
			return err
		}
		member.BounceWarningsSent++
		member.LastWarningSent = now
		if err := tx.UpdateMember(member); err != nil {
			return err
		}
	}
	return nil
}
