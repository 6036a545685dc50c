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

package smtpout

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"github.com/foxcpp/mailman/framework/exterrors"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/testutils"
)

type delivery struct {
	From  string
	Rcpts []string
}

type fakeClient struct {
	deliveries []delivery
	fail       map[string]error // keyed by first recipient
}

func (c *fakeClient) Deliver(_ context.Context, from string, rcpts []string, _ []byte) error {
	c.deliveries = append(c.deliveries, delivery{From: from, Rcpts: rcpts})
	if err, ok := c.fail[rcpts[0]]; ok {
		return err
	}
	return nil
}

const outMsg = `From: anne@example.org
To: ant@example.com
Subject: [Ant] hello
Message-Id: <out-1@example.org>

body
`

func TestDisposeVERPExpansion(t *testing.T) {
	client := &fakeClient{}
	env := &Env{Client: client, Log: testutils.Logger(t, "out")}

	keep, err := env.Dispose()(context.Background(), nil, testutils.List(), testutils.Msg(t, outMsg), message.Metadata{
		message.KeyRecipients:     []string{"anne@example.org", "bart@example.net"},
		message.KeyEnvelopeSender: "ant-bounces@example.com",
		"verp":                    true,
	})
	require.NoError(t, err)
	require.False(t, keep)

	require.Equal(t, []delivery{
		{From: "ant-bounces+anne=example.org@example.com", Rcpts: []string{"anne@example.org"}},
		{From: "ant-bounces+bart=example.net@example.com", Rcpts: []string{"bart@example.net"}},
	}, client.deliveries)
}

func TestDisposeSingleTransactionWithoutVERP(t *testing.T) {
	client := &fakeClient{}
	env := &Env{Client: client, Log: testutils.Logger(t, "out")}

	keep, err := env.Dispose()(context.Background(), nil, testutils.List(), testutils.Msg(t, outMsg), message.Metadata{
		message.KeyRecipients:     []string{"anne@example.org", "bart@example.net"},
		message.KeyEnvelopeSender: "ant-bounces@example.com",
	})
	require.NoError(t, err)
	require.False(t, keep)

	require.Equal(t, []delivery{
		{From: "ant-bounces@example.com", Rcpts: []string{"anne@example.org", "bart@example.net"}},
	}, client.deliveries)
}

func TestDisposeTemporaryFailureKeepsQueued(t *testing.T) {
	client := &fakeClient{fail: map[string]error{
		"bart@example.net": exterrors.WithTemporary(errors.New("451 try later"), true),
	}}
	env := &Env{Client: client, Log: testutils.Logger(t, "out")}

	keep, err := env.Dispose()(context.Background(), nil, testutils.List(), testutils.Msg(t, outMsg), message.Metadata{
		message.KeyRecipients: []string{"anne@example.org", "bart@example.net"},
		"verp":                true,
	})
	require.NoError(t, err)
	require.True(t, keep)
	// The healthy recipient was still attempted.
	require.Len(t, client.deliveries, 2)
}

func TestDisposePermanentFailureIsFinal(t *testing.T) {
	client := &fakeClient{fail: map[string]error{
		"anne@example.org": exterrors.WithTemporary(errors.New("550 no"), false),
	}}
	env := &Env{Client: client, Log: testutils.Logger(t, "out")}

	keep, err := env.Dispose()(context.Background(), nil, testutils.List(), testutils.Msg(t, outMsg), message.Metadata{
		message.KeyRecipients: []string{"anne@example.org"},
		"verp":                true,
	})
	require.NoError(t, err)
	require.False(t, keep)
}

// Fake relay in the style of a real MTA frontend, for exercising the
// SMTP client end to end.

type relayBackend struct {
	mu   sync.Mutex
	msgs []relayMsg
}

type relayMsg struct {
	From  string
	Rcpts []string
	Data  []byte
}

func (be *relayBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &relaySession{be: be}, nil
}

type relaySession struct {
	be   *relayBackend
	from string
	rcpt []string
}

func (s *relaySession) AuthPlain(username, password string) error {
	return nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == "reject@example.org" {
		return &smtp.SMTPError{Code: 550, Message: "no such user"}
	}
	s.rcpt = append(s.rcpt, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	blob, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.be.mu.Lock()
	defer s.be.mu.Unlock()
	s.be.msgs = append(s.be.msgs, relayMsg{From: s.from, Rcpts: s.rcpt, Data: blob})
	return nil
}

func (s *relaySession) Reset()        { s.from, s.rcpt = "", nil }
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T) (*relayBackend, string) {
	t.Helper()
	be := &relayBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "relay.example.com"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return be, l.Addr().String()
}

func TestSMTPClientRoundtrip(t *testing.T) {
	be, addr := startRelay(t)
	client := &SMTP{Addr: addr, Hello: "mail.example.com"}

	blob := []byte("From: a@example.org\r\nTo: b@example.org\r\nSubject: t\r\n\r\nbody\r\n")
	err := client.Deliver(context.Background(), "ant-bounces@example.com",
		[]string{"anne@example.org"}, blob)
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.msgs, 1)
	require.Equal(t, "ant-bounces@example.com", be.msgs[0].From)
	require.Equal(t, []string{"anne@example.org"}, be.msgs[0].Rcpts)
	require.Contains(t, string(be.msgs[0].Data), "Subject: t")
}

func TestSMTPClientPermanentRejection(t *testing.T) {
	_, addr := startRelay(t)
	client := &SMTP{Addr: addr}

	err := client.Deliver(context.Background(), "ant-bounces@example.com",
		[]string{"reject@example.org"}, []byte("From: a@b\r\n\r\nx\r\n"))
	require.Error(t, err)
	require.False(t, exterrors.IsTemporary(err))
}
