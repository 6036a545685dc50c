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

package bounce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
	"github.com/foxcpp/mailman/internal/store/memstore"
	"github.com/foxcpp/mailman/internal/testutils"
)

type env struct {
	store  *memstore.Store
	queues *queue.Registry
	bounce *Env
	now    time.Time
}

func newEnv(t *testing.T) *env {
	e := &env{
		store:  memstore.New(),
		queues: queue.NewRegistry(t.TempDir()),
		now:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	e.bounce = &Env{
		Queues: e.queues,
		Log:    testutils.Logger(t, "bounce"),
		Now:    func() time.Time { return e.now },
	}
	e.store.AddList(testutils.List())
	return e
}

func (e *env) dispose(t *testing.T, list *store.MailingList, msg *message.Msg) {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	keep, err := e.bounce.Dispose()(context.Background(), tx, list, msg, message.Metadata{})
	require.NoError(t, err)
	require.False(t, keep)
	require.NoError(t, tx.Commit())
}

func (e *env) periodic(t *testing.T) {
	t.Helper()
	require.NoError(t, e.bounce.Periodic(e.store)(context.Background()))
}

func (e *env) events(t *testing.T) []*store.BounceEvent {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	evs, err := tx.UnprocessedBounceEvents("ant.example.com")
	require.NoError(t, err)
	return evs
}

func (e *env) member(t *testing.T, email string) *store.Member {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	m, err := tx.Member("ant.example.com", email, store.RoleMember)
	require.NoError(t, err)
	return m
}

func (e *env) virginCount(t *testing.T) int {
	t.Helper()
	virgin, err := e.queues.Get(queue.QVirgin)
	require.NoError(t, err)
	files, err := virgin.Files()
	require.NoError(t, err)
	return len(files)
}

func TestExtractVERP(t *testing.T) {
	list := testutils.List()
	for _, tc := range []struct {
		addr string
		want string
		ok   bool
	}{
		{"ant-bounces+anne=example.org@example.com", "anne@example.org", true},
		{"<Ant-Bounces+Anne=Example.Org@Example.Com>", "", false},
		{" ant-bounces+bart=sub.example.net@example.com ", "bart@sub.example.net", true},
		{"bee-bounces+anne=example.org@example.com", "", false},
		{"ant-bounces+anne=example.org@example.org", "", false},
		{"ant-bounces@example.com", "", false},
		{"ant-probe+tok@example.com", "", false},
	} {
		got, ok := ExtractVERP(list, tc.addr)
		require.Equal(t, tc.ok, ok, "addr %q", tc.addr)
		if tc.ok {
			require.Equal(t, tc.want, got)
		}
	}

	// Matching folds case, the recovered address is lowercased.
	got, ok := ExtractVERP(list, "ANT-BOUNCES+ANNE=EXAMPLE.ORG@EXAMPLE.COM")
	require.True(t, ok)
	require.Equal(t, "anne@example.org", got)
}

func TestExtractProbeToken(t *testing.T) {
	list := testutils.List()

	tok, ok := ExtractProbeToken(list, "ant-probe+4f0b7a@example.com")
	require.True(t, ok)
	require.Equal(t, "4f0b7a", tok)

	_, ok = ExtractProbeToken(list, "ant-bounces+anne=example.org@example.com")
	require.False(t, ok)
	_, ok = ExtractProbeToken(list, "bee-probe+4f0b7a@example.com")
	require.False(t, ok)
}

const dsnBounce = `From: MAILER-DAEMON@mx.example.org
To: ant-bounces@example.com
Subject: Undelivered Mail Returned to Sender
Message-Id: <dsn-1@mx.example.org>
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BB"

--BB
Content-Type: text/plain

This is the mail system at host mx.example.org.
--BB
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.org

Final-Recipient: rfc822; anne@example.org
Action: failed
Status: 5.1.1

Original-Recipient: rfc822; <bart@example.org>
Action: delayed
Status: 4.4.1
--BB
Content-Type: message/rfc822

From: someone@example.com
Subject: original

body
--BB--
`

func TestParseDSN(t *testing.T) {
	res := Parse(testutils.Msg(t, dsnBounce))
	require.Equal(t, []string{"anne@example.org"}, res.Permanent)
	require.Equal(t, []string{"bart@example.org"}, res.Temporary)
}

const plainBounce = `From: postmaster@example.org
To: ant-bounces@example.com
Subject: Delivery failure
Message-Id: <plain-1@example.org>

The following addresses had delivery problems:

  <anne@example.org>  550 user unknown
  bart@example.org: mailbox full, try again later
`

func TestParseHeuristic(t *testing.T) {
	res := Parse(testutils.Msg(t, plainBounce))
	require.Equal(t, []string{"anne@example.org"}, res.Permanent)
	require.Equal(t, []string{"bart@example.org"}, res.Temporary)
}

func TestDisposeVERPRegistersEvent(t *testing.T) {
	e := newEnv(t)
	msg := testutils.Msg(t, `From: MAILER-DAEMON@mx.example.org
To: ant-bounces+anne=example.org@example.com
Subject: failure
Message-Id: <b1@mx.example.org>

unintelligible bounce text
`)
	e.dispose(t, testutils.List(), msg)

	evs := e.events(t)
	require.Len(t, evs, 1)
	require.Equal(t, "anne@example.org", evs[0].Email)
	require.Equal(t, store.ContextNormal, evs[0].Context)
}

func TestDisposeTemporaryOnlyVERPIgnored(t *testing.T) {
	e := newEnv(t)
	raw := `From: MAILER-DAEMON@mx.example.org
To: ant-bounces+bart=example.org@example.com
Subject: delayed
Message-Id: <b2@mx.example.org>

<bart@example.org>: 450 mailbox full, deferred
`
	e.dispose(t, testutils.List(), testutils.Msg(t, raw))
	require.Empty(t, e.events(t))
}

func TestDisposeGenericBounce(t *testing.T) {
	e := newEnv(t)
	e.dispose(t, testutils.List(), testutils.Msg(t, dsnBounce))

	evs := e.events(t)
	require.Len(t, evs, 1)
	require.Equal(t, "anne@example.org", evs[0].Email)
}

func TestDisposeUnrecognizedForwardedToOwners(t *testing.T) {
	e := newEnv(t)
	msg := testutils.Msg(t, `From: postmaster@example.org
To: ant-bounces@example.com
Subject: something odd
Message-Id: <b3@example.org>

no addresses here at all
`)
	e.dispose(t, testutils.List(), msg)

	require.Empty(t, e.events(t))
	require.Equal(t, 1, e.virginCount(t))
}

func TestDisposeSkipsWhenProcessingDisabled(t *testing.T) {
	e := newEnv(t)
	list := testutils.List()
	list.ProcessBounces = false
	e.dispose(t, list, testutils.Msg(t, dsnBounce))
	require.Empty(t, e.events(t))
	require.Zero(t, e.virginCount(t))
}

func seedMember(e *env, email string) {
	e.store.AddMember(&store.Member{
		ListID: "ant.example.com",
		Email:  email,
		Role:   store.RoleMember,
	})
}

func addEvent(t *testing.T, e *env, email string, when time.Time, bctx store.BounceContext) {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddBounceEvent(&store.BounceEvent{
		ListID:    "ant.example.com",
		Email:     email,
		Timestamp: when,
		Context:   bctx,
	}))
	require.NoError(t, tx.Commit())
}

func TestScoringOnePointPerDay(t *testing.T) {
	e := newEnv(t)
	seedMember(e, "anne@example.org")

	day := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	addEvent(t, e, "anne@example.org", day, store.ContextNormal)
	addEvent(t, e, "anne@example.org", day.Add(2*time.Hour), store.ContextNormal)
	addEvent(t, e, "anne@example.org", day.Add(24*time.Hour), store.ContextNormal)
	e.periodic(t)

	m := e.member(t, "anne@example.org")
	require.Equal(t, 2.0, m.BounceScore)
	require.Equal(t, store.DeliveryEnabled, m.DeliveryStatus)
	require.Empty(t, e.events(t), "events must be marked processed")
}

func TestScoringAtMostOnce(t *testing.T) {
	e := newEnv(t)
	seedMember(e, "anne@example.org")
	addEvent(t, e, "anne@example.org", e.now, store.ContextNormal)

	e.periodic(t)
	e.periodic(t)

	require.Equal(t, 1.0, e.member(t, "anne@example.org").BounceScore)
}

func TestStaleScoreResets(t *testing.T) {
	e := newEnv(t)
	list := testutils.List()
	list.BounceInfoStaleAfter = 7 * 24 * time.Hour
	e.store.AddList(list)
	e.store.AddMember(&store.Member{
		ListID:             "ant.example.com",
		Email:              "anne@example.org",
		Role:               store.RoleMember,
		BounceScore:        4,
		LastBounceReceived: e.now.Add(-30 * 24 * time.Hour),
	})
	addEvent(t, e, "anne@example.org", e.now, store.ContextNormal)
	e.periodic(t)

	m := e.member(t, "anne@example.org")
	require.Equal(t, 1.0, m.BounceScore)
	require.Equal(t, store.DeliveryEnabled, m.DeliveryStatus)
}

func TestThresholdDisables(t *testing.T) {
	e := newEnv(t)
	list := testutils.List()
	list.BounceScoreThreshold = 2
	e.store.AddList(list)
	seedMember(e, "anne@example.org")

	addEvent(t, e, "anne@example.org", e.now.Add(-24*time.Hour), store.ContextNormal)
	addEvent(t, e, "anne@example.org", e.now, store.ContextNormal)
	e.periodic(t)

	m := e.member(t, "anne@example.org")
	require.Equal(t, store.DeliveryByBounces, m.DeliveryStatus)
	require.Zero(t, m.BounceScore)
	// Disabling also kicks off the first warning in the same pass.
	require.Equal(t, 1, m.BounceWarningsSent)
	require.Equal(t, 1, e.virginCount(t))
}

func TestThresholdSendsProbe(t *testing.T) {
	e := newEnv(t)
	list := testutils.List()
	list.BounceScoreThreshold = 1
	list.SendProbes = true
	e.store.AddList(list)
	seedMember(e, "anne@example.org")

	addEvent(t, e, "anne@example.org", e.now, store.ContextNormal)
	e.periodic(t)

	m := e.member(t, "anne@example.org")
	require.Equal(t, store.DeliveryEnabled, m.DeliveryStatus, "probe replaces disabling")
	require.Zero(t, m.BounceScore)
	require.Equal(t, 1, e.virginCount(t))

	// The probe envelope sender carries the pending token.
	virgin, err := e.queues.Get(queue.QVirgin)
	require.NoError(t, err)
	files, err := virgin.Files()
	require.NoError(t, err)
	_, meta, err := virgin.Dequeue(files[0])
	require.NoError(t, err)
	sender, _ := meta[message.KeyEnvelopeSender].(string)
	require.Regexp(t, `^ant-probe\+[0-9a-f]{32}@example\.com$`, sender)
	require.NoError(t, virgin.Finish(files[0]))
}

func TestProbeBounceDisablesImmediately(t *testing.T) {
	e := newEnv(t)
	seedMember(e, "anne@example.org")

	token := "0123456789abcdef0123456789abcdef"
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddPending(token, store.Pending{
		"type":    "probe",
		"list_id": "ant.example.com",
		"email":   "anne@example.org",
	}))
	require.NoError(t, tx.Commit())

	msg := testutils.Msg(t, `From: MAILER-DAEMON@mx.example.org
To: ant-probe+`+token+`@example.com
Subject: failure
Message-Id: <p1@mx.example.org>

probe came back
`)
	e.dispose(t, testutils.List(), msg)

	evs := e.events(t)
	require.Len(t, evs, 1)
	require.Equal(t, store.ContextProbe, evs[0].Context)

	e.periodic(t)
	m := e.member(t, "anne@example.org")
	require.Equal(t, store.DeliveryByBounces, m.DeliveryStatus)
}

func TestWarningEscalationAndRemoval(t *testing.T) {
	e := newEnv(t)
	list := testutils.List()
	list.BounceYouAreDisabledWarnings = 2
	list.BounceYouAreDisabledWarningsInterval = 24 * time.Hour
	e.store.AddList(list)
	e.store.AddMember(&store.Member{
		ListID:         "ant.example.com",
		Email:          "anne@example.org",
		Role:           store.RoleMember,
		DeliveryStatus: store.DeliveryByBounces,
	})

	e.periodic(t)
	require.Equal(t, 1, e.member(t, "anne@example.org").BounceWarningsSent)
	require.Equal(t, 1, e.virginCount(t))

	// Within the interval nothing more is sent.
	e.now = e.now.Add(time.Hour)
	e.periodic(t)
	require.Equal(t, 1, e.member(t, "anne@example.org").BounceWarningsSent)
	require.Equal(t, 1, e.virginCount(t))

	e.now = e.now.Add(24 * time.Hour)
	e.periodic(t)
	require.Equal(t, 2, e.member(t, "anne@example.org").BounceWarningsSent)
	require.Equal(t, 2, e.virginCount(t))

	// All warnings exhausted: next pass removes the membership and
	// sends the goodbye notice.
	e.now = e.now.Add(24 * time.Hour)
	e.periodic(t)
	require.Equal(t, 3, e.virginCount(t))

	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Member("ant.example.com", "anne@example.org", store.RoleMember)
	require.ErrorIs(t, err, store.ErrNoMember)
}

func TestEventForNonMemberDiscarded(t *testing.T) {
	e := newEnv(t)
	addEvent(t, e, "ghost@example.org", e.now, store.ContextNormal)
	e.periodic(t)
	require.Empty(t, e.events(t))
}
