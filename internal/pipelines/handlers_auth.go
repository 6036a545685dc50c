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
	"bytes"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxcpp/mailman/internal/message"
)

// handlerFunc adapts a plain function to the Handler interface.
type handlerFunc struct {
	name string
	fn   func(ctx *Context, msg *message.Msg, meta message.Metadata) error
}

func (h handlerFunc) Name() string { return h.name }
func (h handlerFunc) Process(ctx *Context, msg *message.Msg, meta message.Metadata) error {
	return h.fn(ctx, msg, meta)
}

// ValidateAuthenticity verifies inbound DKIM signatures and stamps the
// verdict into an Authentication-Results field. Idempotent: a previous
// field stamped by this host is replaced, not stacked.
func ValidateAuthenticity() Handler {
	return handlerFunc{name: "validate-authenticity", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		hostname := ctx.Hostname
		if hostname == "" {
			hostname = ctx.List.MailHost
		}
		dropAuthResultsBy(msg, hostname)

		if !msg.Header.Has("DKIM-Signature") {
			msg.Header.Add("Authentication-Results", authres.Format(hostname,
				[]authres.Result{&authres.DKIMResult{Value: authres.ResultNone}}))
			return nil
		}

		var b bytes.Buffer
		_ = textproto.WriteHeader(&b, msg.Header)
		verifications, err := dkim.VerifyWithOptions(
			bytes.NewReader(append(b.Bytes(), msg.Body...)),
			&dkim.VerifyOptions{LookupTXT: retryingTXT(ctx)})
		if err != nil {
			return err
		}

		results := make([]authres.Result, 0, len(verifications))
		for _, verif := range verifications {
			val := authres.ResultValue(authres.ResultPass)
			reason := ""
			if verif.Err != nil {
				val = authres.ResultFail
				reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
				if dkim.IsPermFail(verif.Err) {
					val = authres.ResultPermError
				}
				if dkim.IsTempFail(verif.Err) {
					val = authres.ResultTempError
				}
			}
			results = append(results, &authres.DKIMResult{
				Value:      val,
				Reason:     reason,
				Domain:     verif.Domain,
				Identifier: verif.Identifier,
			})
		}
		msg.Header.Add("Authentication-Results", authres.Format(hostname, results))
		return nil
	}}
}

// retryingTXT wraps the context resolver with a short retry loop for
// transient DNS failures. Permanent NXDOMAIN-style answers are not
// retried, they are the verdict.
func retryingTXT(ctx *Context) func(domain string) ([]string, error) {
	resolver := ctx.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return func(domain string) ([]string, error) {
		var txts []string
		op := func() error {
			var err error
			txts, err = resolver.LookupTXT(ctx.Context, domain)
			if err == nil {
				return nil
			}
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && (dnsErr.IsTimeout || dnsErr.IsTemporary) {
				return err
			}
			return backoff.Permanent(err)
		}
		err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2))
		return txts, err
	}
}

// ARCSign signs the outbound message with the configured list key so
// receivers can trust our mutations despite the broken inbound
// signatures. No-op without a key.
func ARCSign() Handler {
	return handlerFunc{name: "arc-sign", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		opts, err := ctx.signer()
		if err != nil || opts == nil {
			return err
		}

		signer, err := dkim.NewSigner(opts)
		if err != nil {
			return err
		}
		if err := textproto.WriteHeader(signer, msg.Header); err != nil {
			signer.Close()
			return err
		}
		if _, err := signer.Write(msg.Body); err != nil {
			signer.Close()
			return err
		}
		if err := signer.Close(); err != nil {
			return err
		}
		msg.Header.AddRaw([]byte(signer.Signature()))
		ctx.Log.DebugMsg("signed", "domain", opts.Domain)
		return nil
	}}
}

// CleanseDKIM strips inbound signature headers that list mutations
// invalidated. When signing is configured the headers stay: arc-sign
// vouches for the mutations instead.
func CleanseDKIM() Handler {
	return handlerFunc{name: "cleanse-dkim", fn: func(ctx *Context, msg *message.Msg, meta message.Metadata) error {
		if ctx.SigningKey != nil {
			return nil
		}
		for _, key := range []string{
			"DKIM-Signature", "DomainKey-Signature",
			"ARC-Seal", "ARC-Message-Signature", "ARC-Authentication-Results",
		} {
			msg.Header.Del(key)
		}
		return nil
	}}
}

func dropAuthResultsBy(msg *message.Msg, hostname string) {
	var keep []string
	fields := msg.Header.FieldsByKey("Authentication-Results")
	for fields.Next() {
		id, _, err := authres.Parse(fields.Value())
		if err != nil || id != hostname {
			keep = append(keep, fields.Value())
		}
	}
	msg.Header.Del("Authentication-Results")
	for i := len(keep) - 1; i >= 0; i-- {
		msg.Header.Add("Authentication-Results", keep[i])
	}
}
