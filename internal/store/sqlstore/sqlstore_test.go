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

package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/mailman/internal/store"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailman.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}

func begin(t *testing.T, st *Store) store.Tx {
	t.Helper()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestListRoundtrip(t *testing.T) {
	st, path := openTest(t)
	require.NoError(t, st.AddList(&store.MailingList{
		ListID:               "ant.example.com",
		ListName:             "ant",
		MailHost:             "example.com",
		ProcessBounces:       true,
		BounceScoreThreshold: 5,
	}))

	tx := begin(t, st)
	l, err := tx.List("ant.example.com")
	require.NoError(t, err)
	require.Equal(t, "ant", l.ListName)
	require.True(t, l.ProcessBounces)

	_, err = tx.List("missing.example.com")
	require.ErrorIs(t, err, store.ErrNoList)
	require.NoError(t, tx.Rollback())

	// Settings survive a process restart.
	require.NoError(t, st.Close())
	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()

	tx = begin(t, st2)
	defer tx.Rollback()
	ids, err := tx.Lists()
	require.NoError(t, err)
	require.Equal(t, []string{"ant.example.com"}, ids)
}

func TestMemberLookupFoldsCase(t *testing.T) {
	st, _ := openTest(t)
	require.NoError(t, st.AddMember(&store.Member{
		ListID: "ant.example.com",
		Email:  "Anne@Example.ORG",
	}))

	tx := begin(t, st)
	defer tx.Rollback()
	m, err := tx.Member("ant.example.com", "anne@example.org", store.RoleMember)
	require.NoError(t, err)
	require.Equal(t, "anne@example.org", m.Email)
	require.Equal(t, store.DeliveryEnabled, m.DeliveryStatus)

	_, err = tx.Member("ant.example.com", "anne@example.org", store.RoleOwner)
	require.ErrorIs(t, err, store.ErrNoMember)
}

func TestMemberUpdateIsTransactional(t *testing.T) {
	st, _ := openTest(t)
	require.NoError(t, st.AddMember(&store.Member{
		ListID: "ant.example.com",
		Email:  "anne@example.org",
	}))

	tx := begin(t, st)
	m, err := tx.Member("ant.example.com", "anne@example.org", store.RoleMember)
	require.NoError(t, err)
	m.BounceScore = 3
	m.DeliveryStatus = store.DeliveryByBounces
	m.LastBounceReceived = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tx.UpdateMember(m))
	require.NoError(t, tx.Rollback())

	tx = begin(t, st)
	m, err = tx.Member("ant.example.com", "anne@example.org", store.RoleMember)
	require.NoError(t, err)
	require.Zero(t, m.BounceScore)
	m.BounceScore = 3
	require.NoError(t, tx.UpdateMember(m))
	require.NoError(t, tx.Commit())

	tx = begin(t, st)
	defer tx.Rollback()
	m, err = tx.Member("ant.example.com", "anne@example.org", store.RoleMember)
	require.NoError(t, err)
	require.Equal(t, 3.0, m.BounceScore)
}

func TestPendingTokens(t *testing.T) {
	st, _ := openTest(t)

	tx := begin(t, st)
	payload := store.Pending{"type": "probe", "email": "anne@example.org"}
	require.NoError(t, tx.AddPending("tok1", payload))
	require.ErrorIs(t, tx.AddPending("tok1", payload), store.ErrDuplicate)
	require.NoError(t, tx.Commit())

	// Confirmation consumes the token.
	tx = begin(t, st)
	got, err := tx.ConfirmPending("tok1")
	require.NoError(t, err)
	require.Equal(t, "anne@example.org", got["email"])
	_, err = tx.ConfirmPending("tok1")
	require.ErrorIs(t, err, store.ErrNoToken)
	require.NoError(t, tx.Commit())
}

func TestBounceEventAccounting(t *testing.T) {
	st, _ := openTest(t)

	tx := begin(t, st)
	ev := &store.BounceEvent{
		ListID:    "ant.example.com",
		Email:     "Anne@Example.ORG",
		Timestamp: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		Context:   store.ContextNormal,
	}
	require.NoError(t, tx.AddBounceEvent(ev))
	require.NotZero(t, ev.ID)
	require.NoError(t, tx.Commit())

	tx = begin(t, st)
	events, err := tx.UnprocessedBounceEvents("ant.example.com")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "anne@example.org", events[0].Email)
	require.Equal(t, store.ContextNormal, events[0].Context)
	require.NoError(t, tx.MarkBounceEventProcessed(events[0].ID))
	require.NoError(t, tx.Commit())

	tx = begin(t, st)
	defer tx.Rollback()
	events, err = tx.UnprocessedBounceEvents("ant.example.com")
	require.NoError(t, err)
	require.Empty(t, events)
}
