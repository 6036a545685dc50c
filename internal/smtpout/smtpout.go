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

// Package smtpout drains the out queue into the site MTA over SMTP.
//
// Delivery is not transactional: the runner's keep/shunt discipline is
// the only retry mechanism. Temporary relay failures keep the file
// queued for the next runner restart, permanent ones are final.
package smtpout

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/foxcpp/mailman/framework/exterrors"
	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/metrics"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/store"
)

// Client is the delivery transport. Production uses the SMTP client
// below, tests substitute a recorder.
type Client interface {
	Deliver(ctx context.Context, from string, rcpts []string, blob []byte) error
}

// SMTP delivers through a relay, one connection per transaction. The
// relay is trusted (the site MTA), so no TLS dance here; the MTA does
// the real routing.
type SMTP struct {
	Addr  string // host:port of the relay
	Hello string // HELO name, defaults to localhost inside go-smtp
}

func (s *SMTP) Deliver(ctx context.Context, from string, rcpts []string, blob []byte) error {
	cl, err := smtp.Dial(s.Addr)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("smtpout: dial %s: %w", s.Addr, err), true)
	}
	defer cl.Close()

	if s.Hello != "" {
		if err := cl.Hello(s.Hello); err != nil {
			return classify("HELO", err)
		}
	}
	if err := cl.Mail(from, nil); err != nil {
		return classify("MAIL", err)
	}
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			return classify("RCPT "+rcpt, err)
		}
	}
	w, err := cl.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return classify("DATA", err)
	}
	return cl.Quit()
}

// classify maps SMTP status codes onto the Temporary() convention: 4xx
// and network errors are retryable, 5xx is final.
func classify(stage string, err error) error {
	wrapped := fmt.Errorf("smtpout: %s: %w", stage, err)
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return exterrors.WithTemporary(wrapped, smtpErr.Temporary())
	}
	return exterrors.WithTemporary(wrapped, true)
}

// Env is the static environment of the outgoing runner.
type Env struct {
	Client Client
	Log    log.Logger
}

// Dispose delivers one queued message. When the verp flag is set each
// recipient gets its own transaction with a personalized return path,
// so bounces attribute themselves without parsing.
//
// A retry after temporary failures redelivers to every recipient; the
// relay is expected to suppress duplicates poorly, so lists that care
// keep their relay reliable.
func (e *Env) Dispose() runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		rcpts := meta.StringList(message.KeyRecipients)
		if len(rcpts) == 0 {
			e.Log.DebugMsg("nothing to deliver", "msgid", msg.MessageID())
			return false, nil
		}
		from := meta.String(message.KeyEnvelopeSender)
		if from == "" && list != nil {
			from = list.BouncesAddress()
		}
		blob := msg.Bytes()

		var tempFailed bool
		var lastErr error
		deliver := func(from string, rcpts []string) {
			err := e.Client.Deliver(ctx, from, rcpts, blob)
			switch {
			case err == nil:
				metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
			case exterrors.IsTemporary(err):
				metrics.DeliveryAttempts.WithLabelValues("tempfail").Inc()
				tempFailed = true
				lastErr = err
			default:
				metrics.DeliveryAttempts.WithLabelValues("permfail").Inc()
				lastErr = err
				e.Log.Error("permanent delivery failure", err,
					"msgid", msg.MessageID(), "rcpts", rcpts)
			}
		}

		if meta.Bool("verp") && list != nil {
			for _, rcpt := range rcpts {
				deliver(list.VERPAddress(rcpt), []string{rcpt})
			}
		} else {
			deliver(from, rcpts)
		}

		if tempFailed {
			e.Log.Msg("temporary delivery failure, message kept queued",
				"msgid", msg.MessageID(), "reason", lastErr.Error())
			return true, nil
		}
		// Permanent rejections by our own relay are configuration
		// trouble, not recipient trouble. Finish the file; the log and
		// the counter are the trail.
		return false, nil
	}
}
