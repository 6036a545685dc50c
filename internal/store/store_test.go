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

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/mailman/internal/store"
	"github.com/foxcpp/mailman/internal/store/memstore"
)

func seedDigestList(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	st.AddList(&store.MailingList{
		ListID:           "ant.example.com",
		MailHost:         "example.com",
		ListName:         "ant",
		DigestVolume:     5,
		NextDigestNumber: 3,
		DigestLastSentAt: time.Now().Add(-60 * 24 * time.Hour),
	})
	return st
}

func TestBumpDigestNewVolumeOnCommit(t *testing.T) {
	st := seedDigestList(t)

	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	l, err := tx.List("ant.example.com")
	require.NoError(t, err)
	require.NoError(t, store.BumpDigest(tx, l, time.Now()))
	require.NoError(t, tx.Commit())

	tx, err = st.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	l, err = tx.List("ant.example.com")
	require.NoError(t, err)
	require.Equal(t, 6, l.DigestVolume)
	require.Equal(t, 1, l.NextDigestNumber)
	require.False(t, l.DigestLastSentAt.IsZero())
}

func TestBumpDigestRollbackLeavesCountersAlone(t *testing.T) {
	st := seedDigestList(t)

	// Bump succeeds but a later step of the same transaction fails, so
	// the caller rolls back.
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	l, err := tx.List("ant.example.com")
	require.NoError(t, err)
	require.NoError(t, store.BumpDigest(tx, l, time.Now()))
	require.NoError(t, tx.Rollback())

	tx, err = st.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	l, err = tx.List("ant.example.com")
	require.NoError(t, err)
	require.Equal(t, 5, l.DigestVolume)
	require.Equal(t, 3, l.NextDigestNumber)
}

func TestBumpDigestSameVolumeIncrementsIssue(t *testing.T) {
	st := memstore.New()
	st.AddList(&store.MailingList{
		ListID:           "ant.example.com",
		DigestVolume:     5,
		NextDigestNumber: 3,
		DigestLastSentAt: time.Now().Add(-24 * time.Hour),
	})

	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	l, err := tx.List("ant.example.com")
	require.NoError(t, err)
	require.NoError(t, store.BumpDigest(tx, l, time.Now()))
	require.NoError(t, tx.Commit())

	tx, err = st.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	l, err = tx.List("ant.example.com")
	require.NoError(t, err)
	require.Equal(t, 5, l.DigestVolume)
	require.Equal(t, 4, l.NextDigestNumber)
}

func TestAddressHelpers(t *testing.T) {
	l := &store.MailingList{ListName: "ant", MailHost: "example.com"}
	require.Equal(t, "ant@example.com", l.PostingAddress())
	require.Equal(t, "ant-owner@example.com", l.OwnerAddress())
	require.Equal(t, "ant-bounces@example.com", l.BouncesAddress())
	require.Equal(t, "ant-bounces+anne=example.org@example.com", l.VERPAddress("anne@example.org"))
	require.Equal(t, "ant-probe+tok123@example.com", l.ProbeAddress("tok123"))
}
