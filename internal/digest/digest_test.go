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

package digest

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
	dig    *Env
	now    time.Time
}

func newEnv(t *testing.T, list *store.MailingList) *env {
	e := &env{
		store:  memstore.New(),
		queues: queue.NewRegistry(t.TempDir()),
		now:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	e.dig = &Env{
		Queues: e.queues,
		Dir:    t.TempDir(),
		Log:    testutils.Logger(t, "digest"),
		Now:    func() time.Time { return e.now },
	}
	e.store.AddList(list)
	return e
}

func (e *env) addMember(t *testing.T, email string, wantsDigest bool) {
	t.Helper()
	e.store.AddMember(&store.Member{
		ListID:         "ant.example.com",
		Email:          email,
		Role:           store.RoleMember,
		DeliveryStatus: store.DeliveryEnabled,
		DigestDelivery: wantsDigest,
	})
}

func (e *env) dispose(t *testing.T, list *store.MailingList, msg *message.Msg) {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	keep, err := e.dig.Dispose()(context.Background(), tx, list, msg, message.Metadata{})
	require.NoError(t, err)
	require.False(t, keep)
	require.NoError(t, tx.Commit())
}

func (e *env) list(t *testing.T) *store.MailingList {
	t.Helper()
	tx, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	l, err := tx.List("ant.example.com")
	require.NoError(t, err)
	return l
}

func (e *env) virginFiles(t *testing.T) []string {
	t.Helper()
	virgin, err := e.queues.Get(queue.QVirgin)
	require.NoError(t, err)
	files, err := virgin.Files()
	require.NoError(t, err)
	return files
}

func (e *env) virginEntry(t *testing.T) (*message.Msg, message.Metadata) {
	t.Helper()
	virgin, err := e.queues.Get(queue.QVirgin)
	require.NoError(t, err)
	files, err := virgin.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	msg, meta, err := virgin.Dequeue(files[0])
	require.NoError(t, err)
	return msg, meta
}

func (e *env) spoolCount(t *testing.T) int {
	t.Helper()
	files, err := e.dig.spoolFiles("ant.example.com")
	require.NoError(t, err)
	return len(files)
}

func post(t *testing.T, subject string) *message.Msg {
	t.Helper()
	return testutils.Msg(t, `From: anne@example.org
To: ant@example.com
Subject: `+subject+`
Message-Id: <`+subject+`@example.org>

body of `+subject+`
`)
}

func TestSpoolHoldsBelowThreshold(t *testing.T) {
	list := testutils.List()
	list.DigestSizeThreshold = 1 << 20
	e := newEnv(t, list)
	e.addMember(t, "bart@example.net", true)

	e.dispose(t, e.list(t), post(t, "one"))

	require.Equal(t, 1, e.spoolCount(t))
	require.Empty(t, e.virginFiles(t))
	require.Zero(t, e.list(t).DigestVolume)
}

func TestSizeThresholdCutsDigest(t *testing.T) {
	list := testutils.List()
	list.DigestSizeThreshold = 1
	list.DigestVolume = 5
	list.NextDigestNumber = 3
	list.DigestLastSentAt = time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)
	e := newEnv(t, list)
	e.addMember(t, "anne@example.org", false)
	e.addMember(t, "bart@example.net", true)

	e.dispose(t, e.list(t), post(t, "one"))

	msg, meta := e.virginEntry(t)
	require.Equal(t, "Ant Digest, Vol 5, Issue 3", msg.Subject())
	require.Equal(t, []string{"bart@example.net"}, meta.StringList(message.KeyRecipients))
	require.Equal(t, "ant-bounces@example.com", meta.String(message.KeyEnvelopeSender))

	l := e.list(t)
	require.Equal(t, 5, l.DigestVolume)
	require.Equal(t, 4, l.NextDigestNumber)
	require.Equal(t, e.now, l.DigestLastSentAt)
	require.Zero(t, e.spoolCount(t))
}

func TestPeriodicCutsOverdueSpool(t *testing.T) {
	list := testutils.List()
	list.DigestLastSentAt = time.Date(2024, 3, 9, 11, 0, 0, 0, time.UTC)
	e := newEnv(t, list)
	e.addMember(t, "bart@example.net", true)

	e.dispose(t, e.list(t), post(t, "one"))
	e.dispose(t, e.list(t), post(t, "two"))
	require.Equal(t, 2, e.spoolCount(t))

	require.NoError(t, e.dig.Periodic(e.store)(context.Background()))

	msg, _ := e.virginEntry(t)
	require.Contains(t, msg.Subject(), "Ant Digest")
	require.Zero(t, e.spoolCount(t))

	// Nothing left to cut, the next pass is a no-op.
	require.NoError(t, e.dig.Periodic(e.store)(context.Background()))
	require.Empty(t, e.virginFiles(t))
}

func TestPeriodicLeavesRecentSpoolAlone(t *testing.T) {
	list := testutils.List()
	list.DigestLastSentAt = time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)
	e := newEnv(t, list)
	e.addMember(t, "bart@example.net", true)

	e.dispose(t, e.list(t), post(t, "one"))

	require.NoError(t, e.dig.Periodic(e.store)(context.Background()))
	require.Empty(t, e.virginFiles(t))
	require.Equal(t, 1, e.spoolCount(t))
}

func TestNoDigestMembersDiscardsSpool(t *testing.T) {
	list := testutils.List()
	list.DigestSizeThreshold = 1
	e := newEnv(t, list)
	e.addMember(t, "anne@example.org", false)

	e.dispose(t, e.list(t), post(t, "one"))

	require.Empty(t, e.virginFiles(t))
	require.Zero(t, e.spoolCount(t))
	require.Zero(t, e.list(t).DigestVolume)
}
