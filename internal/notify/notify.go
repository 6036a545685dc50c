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

// Package notify builds the system-generated messages the core sends on
// its own behalf: rejection bounces, hold notices, bounce warnings and
// address probes. All of them are crafted complete and go through the
// virgin queue, which only decorates and hands them to outgoing.
package notify

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// Rejection builds the bounce sent back to the author of a rejected
// post. The original message is attached unmodified.
func Rejection(list *store.MailingList, recipient string, reasons []string, original *message.Msg) (*message.Msg, error) {
	if len(reasons) == 0 {
		reasons = []string{"[No bounce details are available]"}
	}
	text := fmt.Sprintf(
		"Your message to the %s mailing-list was rejected for the following reasons:\n\n%s\n\nThe original message as received by Mailman is attached.\n",
		list.DisplayName, strings.Join(reasons, "\n"))

	subject := fmt.Sprintf("Request to mailing list \"%s\" rejected", list.DisplayName)
	return withAttachedOriginal(list, list.OwnerAddress(), recipient, subject, text, original)
}

// UnrecognizedBounce forwards a bounce the parsers could not attribute
// to the list owners for manual handling.
func UnrecognizedBounce(list *store.MailingList, original *message.Msg) (*message.Msg, error) {
	text := "The attached message was received as a bounce, but either the bounce\n" +
		"format was not recognized, or no member addresses could be extracted\n" +
		"from it.\n"
	subject := fmt.Sprintf("Uncaught bounce notification on %s", list.PostingAddress())
	return withAttachedOriginal(list, list.PostingAddress(), list.OwnerAddress(), subject, text, original)
}

// withAttachedOriginal builds a multipart/mixed notification: a
// text/plain explanation followed by the original as message/rfc822.
func withAttachedOriginal(list *store.MailingList, from, to, subject, text string, original *message.Msg) (*message.Msg, error) {
	var outer gomessage.Header
	outer.SetContentType("multipart/mixed", nil)
	setEnvelopeHeaders(&outer, from, to, subject, list.MailHost)

	var buf bytes.Buffer
	mw, err := gomessage.CreateWriter(&buf, outer)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	var textHdr gomessage.Header
	textHdr.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreatePart(textHdr)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if _, err := io.WriteString(tw, text); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	tw.Close()

	var attHdr gomessage.Header
	attHdr.SetContentType("message/rfc822", nil)
	aw, err := mw.CreatePart(attHdr)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if err := original.WriteTo(aw); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	aw.Close()
	mw.Close()

	return message.FromBytes(buf.Bytes())
}

// plainMessage builds a single-part text/plain notification.
func plainMessage(list *store.MailingList, from, to, subject, body string) (*message.Msg, error) {
	var hdr gomessage.Header
	hdr.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	setEnvelopeHeaders(&hdr, from, to, subject, list.MailHost)

	var buf bytes.Buffer
	mw, err := gomessage.CreateWriter(&buf, hdr)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if _, err := io.WriteString(mw, body); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	mw.Close()

	return message.FromBytes(buf.Bytes())
}

func setEnvelopeHeaders(h *gomessage.Header, from, to, subject, mailHost string) {
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", subject)
	h.Set("Message-Id", message.GenerateMessageID(mailHost))
	h.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	h.Set("MIME-Version", "1.0")
}

// HeldNotice names the inputs of the two hold notifications.
type HeldNotice struct {
	List    *store.MailingList
	Sender  string
	Subject string
	Token   string
	Reasons []string
}

func (p HeldNotice) reasonsText() string {
	if len(p.Reasons) == 0 {
		return "[n/a]"
	}
	return strings.Join(p.Reasons, "\n")
}

// ForModerators tells the list moderators a message awaits their
// approval, including the pending token the approval workflow uses.
func (p HeldNotice) ForModerators() (*message.Msg, error) {
	body := fmt.Sprintf(
		`As list administrator, your authorization is requested for the
following mailing list posting:

    List:    %s
    From:    %s
    Subject: %s

The message is being held because:

%s

At your convenience, visit your dashboard to approve or deny the
request. Approval token: %s
`,
		p.List.PostingAddress(), p.Sender, p.Subject, p.reasonsText(), p.Token)
	subject := fmt.Sprintf("%s post from %s requires approval", p.List.DisplayName, p.Sender)
	return plainMessage(p.List, p.List.PostingAddress(), p.List.OwnerAddress(), subject, body)
}

// ForSender tells the author their post awaits moderator approval.
func (p HeldNotice) ForSender() (*message.Msg, error) {
	body := fmt.Sprintf(
		`Your mail to '%s' with the subject

    %s

Is being held until the list moderator can review it for approval.

The message is being held because:

%s

Either the message will get posted to the list, or you will receive
notification of the moderator's decision.
`,
		p.List.DisplayName, p.Subject, p.reasonsText())
	subject := fmt.Sprintf("Your message to %s awaits moderator approval", p.List.PostingAddress())
	return plainMessage(p.List, p.List.RequestAddress(), p.Sender, subject, body)
}

// DisabledWarning is the periodic reminder sent to a member whose
// delivery was disabled by bounce scoring.
func DisabledWarning(list *store.MailingList, member string, token string) (*message.Msg, error) {
	body := fmt.Sprintf(
		`Your membership in the mailing list %s has been disabled due to
excessive bounces. You will not get any more messages from this list
until you re-enable your membership. You will receive several more
reminders like this before your membership in the list is deleted.

To re-enable your membership, reply to this message or use this
confirmation token: %s
`,
		list.DisplayName, token)
	subject := fmt.Sprintf("Your subscription for %s mailing list has been disabled", list.DisplayName)
	return plainMessage(list, list.RequestAddress(), member, subject, body)
}

// RemovalNotice tells a member they were unsubscribed after exhausting
// all disabled-delivery warnings.
func RemovalNotice(list *store.MailingList, member string) (*message.Msg, error) {
	body := fmt.Sprintf(
		`Your subscription to the %s mailing list has been cancelled because
delivery to your address failed repeatedly and all warnings went
unanswered. You can resubscribe at any time by writing to %s.
`,
		list.DisplayName, list.RequestAddress())
	subject := fmt.Sprintf("You have been unsubscribed from the %s mailing list", list.DisplayName)
	return plainMessage(list, list.RequestAddress(), member, subject, body)
}

// Acknowledgement confirms to a member that their post was accepted
// and delivered to the list.
func Acknowledgement(list *store.MailingList, sender, subject string) (*message.Msg, error) {
	body := fmt.Sprintf(
		`Your message entitled

    %s

was successfully received by the %s mailing list.
`,
		subject, list.DisplayName)
	ackSubject := fmt.Sprintf("%s post acknowledgment", list.DisplayName)
	return plainMessage(list, list.BouncesAddress(), sender, ackSubject, body)
}

// Probe builds the active probe sent to a bouncing address. Its
// envelope sender must be the list's probe VERP address so a failure
// comes back attributable to this exact member.
func Probe(list *store.MailingList, member string) (*message.Msg, error) {
	body := fmt.Sprintf(
		`This is a probe message. You can ignore this message.

The %s mailing list has received a number of bounces from you,
indicating that there may be a problem delivering messages to %s.
If this message reaches you, everything is working and you can safely
ignore it. The bounce counter for your address has been reset.
`,
		list.DisplayName, member)
	subject := fmt.Sprintf("%s mailing list probe message", list.DisplayName)
	return plainMessage(list, list.RequestAddress(), member, subject, body)
}
