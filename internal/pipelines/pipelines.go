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
Package pipelines runs ordered handler sequences over accepted
messages.

Where chains decide whether a message may reach the list, pipelines
shape it on the way: authentication headers, MIME filtering, recipient
calculation, decoration and fan-out to the downstream queues. A handler
can still veto the message by returning DiscardMessage or
RejectMessage; any other error shunts it.
*/
package pipelines

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/notify"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
)

// Pipeline names every deployment has.
const (
	DefaultPosting = "default-posting-pipeline"
	DefaultOwner   = "default-owner-pipeline"
	Virgin         = "virgin"
)

// DiscardMessage stops the pipeline and silently drops the message.
type DiscardMessage struct {
	Reason string
}

func (e DiscardMessage) Error() string {
	if e.Reason == "" {
		return "message discarded"
	}
	return "message discarded: " + e.Reason
}

// RejectMessage stops the pipeline and bounces the message back to its
// author with the given reasons.
type RejectMessage struct {
	Reasons []string
}

func (e RejectMessage) Error() string {
	return "message rejected: " + strings.Join(e.Reasons, "; ")
}

// Handler is one processing step. Process may mutate msg and meta in
// place.
type Handler interface {
	Name() string
	Process(ctx *Context, msg *message.Msg, meta message.Metadata) error
}

// Pipeline is a named ordered list of handler names.
type Pipeline struct {
	Name     string
	Handlers []string
}

// Queues is the queue access fan-out handlers need.
type Queues interface {
	Get(name string) (*queue.Switchboard, error)
}

// Resolver is the DNS subset validate-authenticity uses. *net.Resolver
// satisfies it, and so does go-mockdns in tests.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// SigningKey configures outbound signature generation.
type SigningKey struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
}

// Context carries the per-message environment handlers operate in.
type Context struct {
	Context context.Context
	Tx      store.Tx
	List    *store.MailingList
	Log     log.Logger
	Queues  Queues

	// Hostname is the authserv-id stamped into Authentication-Results.
	Hostname string

	Resolver Resolver

	// SigningKey enables the arc-sign handler. Nil disables signing and
	// makes cleanse-dkim strip inbound signatures instead.
	SigningKey *SigningKey
}

func (ctx *Context) signer() (*dkim.SignOptions, error) {
	if ctx.SigningKey == nil {
		return nil, nil
	}
	return &dkim.SignOptions{
		Domain:     ctx.SigningKey.Domain,
		Selector:   ctx.SigningKey.Selector,
		Identifier: "@" + ctx.SigningKey.Domain,
		Signer:     ctx.SigningKey.Signer,
		HeaderKeys: []string{"From", "To", "Subject", "Date", "Message-Id", "List-Id"},
	}, nil
}

var ErrDuplicateName = errors.New("pipelines: name already registered")

// Registry holds the handler and pipeline namespaces.
type Registry struct {
	handlers  map[string]Handler
	pipelines map[string]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		pipelines: make(map[string]*Pipeline),
	}
}

func (r *Registry) AddHandler(h Handler) error {
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("%w: handler %s", ErrDuplicateName, h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

func (r *Registry) AddPipeline(p *Pipeline) error {
	if _, ok := r.pipelines[p.Name]; ok {
		return fmt.Errorf("%w: pipeline %s", ErrDuplicateName, p.Name)
	}
	r.pipelines[p.Name] = p
	return nil
}

func (r *Registry) Handler(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("pipelines: no such handler: %s", name)
	}
	return h, nil
}

func (r *Registry) Pipeline(name string) (*Pipeline, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipelines: no such pipeline: %s", name)
	}
	return p, nil
}

// Process runs the named pipeline over the message.
//
// Discard and reject signals are consumed here: both stop the pipeline
// early and neither is an error for the caller, the message simply does
// not reach the fan-out handlers. Other handler errors propagate so the
// runner can shunt.
func (r *Registry) Process(ctx *Context, msg *message.Msg, meta message.Metadata, name string) error {
	p, err := r.Pipeline(name)
	if err != nil {
		return err
	}

	for _, hname := range p.Handlers {
		h, err := r.Handler(hname)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
		err = h.Process(ctx, msg, meta)
		if err == nil {
			continue
		}

		var discard DiscardMessage
		if errors.As(err, &discard) {
			ctx.Log.Msg("DISCARD: "+msg.MessageID(),
				"pipeline", name, "handler", hname, "reason", discard.Reason)
			return nil
		}
		var reject RejectMessage
		if errors.As(err, &reject) {
			return r.bounceBack(ctx, msg, meta, name, hname, reject)
		}
		return fmt.Errorf("pipeline %s: handler %s: %w", name, hname, err)
	}
	return nil
}

func (r *Registry) bounceBack(ctx *Context, msg *message.Msg, meta message.Metadata, pipeline, handler string, reject RejectMessage) error {
	ctx.Log.Msg("REJECT: "+msg.MessageID(),
		"pipeline", pipeline, "handler", handler, "reasons", strings.Join(reject.Reasons, "; "))

	recipient := meta.String(message.KeyModerationSender)
	if recipient == "" {
		recipient = msg.SenderAddress()
	}
	if recipient == "" {
		return nil
	}
	bounce, err := notify.Rejection(ctx.List, recipient, reject.Reasons, msg)
	if err != nil {
		return err
	}
	virgin, err := ctx.Queues.Get(queue.QVirgin)
	if err != nil {
		return err
	}
	_, err = virgin.Enqueue(bounce, message.Metadata{
		message.KeyListID:         ctx.List.ListID,
		message.KeyRecipients:     []string{recipient},
		message.KeyEnvelopeSender: ctx.List.OwnerAddress(),
		message.KeyVersion:        3,
	})
	return err
}

// RegisterBuiltins fills a fresh registry with the stock handlers and
// pipelines.
func RegisterBuiltins(reg *Registry) error {
	handlers := []Handler{
		ValidateAuthenticity(),
		ARCSign(),
		Cleanse(),
		CleanseDKIM(),
		MIMEDelete(),
		Scrubber(),
		Tagger(),
		DMARCGate(),
		MemberRecipients(),
		OwnerRecipients(),
		AvoidDuplicates(),
		CookHeaders(),
		SubjectPrefix(),
		RFC2369(),
		ToArchive(),
		ToDigest(),
		ToUsenet(),
		ToOutgoing(),
		AfterDelivery(),
		Acknowledge(),
	}
	for _, h := range handlers {
		if err := reg.AddHandler(h); err != nil {
			return err
		}
	}

	builtin := []*Pipeline{
		{Name: DefaultPosting, Handlers: []string{
			"validate-authenticity",
			"mime-delete",
			"tagger",
			"dmarc",
			"member-recipients",
			"avoid-duplicates",
			"cleanse",
			"cleanse-dkim",
			"cook-headers",
			"subject-prefix",
			"rfc-2369",
			"to-archive",
			"to-digest",
			"to-usenet",
			"arc-sign",
			"to-outgoing",
			"after-delivery",
			"acknowledge",
		}},
		{Name: DefaultOwner, Handlers: []string{
			"cleanse",
			"owner-recipients",
			"cook-headers",
			"to-outgoing",
		}},
		// Virgin messages are crafted by the core itself, they only
		// need list headers and the outgoing hop.
		{Name: Virgin, Handlers: []string{
			"cook-headers",
			"rfc-2369",
			"to-outgoing",
		}},
	}
	for _, p := range builtin {
		if err := reg.AddPipeline(p); err != nil {
			return err
		}
	}
	return nil
}
