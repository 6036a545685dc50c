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

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
	"github.com/foxcpp/mailman/internal/store/memstore"
	"github.com/foxcpp/mailman/internal/testutils"
)

func testRunner(t *testing.T, dispose DisposeFunc) (*Runner, *queue.Registry, *memstore.Store) {
	t.Helper()
	queues := queue.NewRegistry(t.TempDir())
	board, err := queues.Get(queue.QIn)
	if err != nil {
		t.Fatal(err)
	}
	st := memstore.New()
	st.AddList(testutils.List())
	return &Runner{
		Spec:          Spec{Name: "in", Queue: queue.QIn},
		Board:         board,
		Queues:        queues,
		Store:         st,
		Log:           testutils.Logger(t, "runner"),
		Dispose:       dispose,
		SleepInterval: 10 * time.Millisecond,
	}, queues, st
}

func enqueue(t *testing.T, queues *queue.Registry, meta message.Metadata) string {
	t.Helper()
	q, err := queues.Get(queue.QIn)
	if err != nil {
		t.Fatal(err)
	}
	msg := testutils.Msg(t, `From: anne@example.org
To: ant@example.com
Subject: hi
Message-Id: <one@example.org>

hello
`)
	basename, err := q.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}
	return basename
}

// runUntil runs the runner until cond is true or the deadline expires.
func runUntil(t *testing.T, r *Runner, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestFinishOnSuccess(t *testing.T) {
	var processed atomic.Int32
	r, queues, _ := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil || list.ListID != "ant.example.com" {
			t.Errorf("wrong list: %v", list)
		}
		processed.Add(1)
		return false, nil
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})

	runUntil(t, r, func() bool { return processed.Load() == 1 })

	files, err := r.Board.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("queue not drained: %v", files)
	}
}

func TestPreserveOnKeep(t *testing.T) {
	var processed atomic.Int32
	r, queues, _ := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		processed.Add(1)
		return true, nil
	})
	basename := enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return processed.Load() >= 1 })
	// Let the loop run well past several poll intervals. A kept entry
	// must not be dispatched a second time: each dispatch of a held
	// message would mint a fresh pending token and re-notify moderators.
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := processed.Load(); got != 1 {
		t.Errorf("kept entry disposed %d times, want 1", got)
	}
	files, err := r.Board.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != basename {
		t.Errorf("preserved entry missing: %v", files)
	}
}

func TestKeptEntryRedispatchedAfterRestart(t *testing.T) {
	var processed atomic.Int32
	r, queues, _ := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		processed.Add(1)
		return true, nil
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})

	runUntil(t, r, func() bool { return processed.Load() >= 1 })

	// A fresh process has no memory of the keep decision and picks the
	// entry up again.
	r2, _, _ := testRunner(t, r.Dispose)
	r2.Board = r.Board
	runUntil(t, r2, func() bool { return processed.Load() >= 2 })
}

func TestPanicShuntsAndRunnerSurvives(t *testing.T) {
	var calls atomic.Int32
	r, queues, st := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		list.DisplayName = "Mutated"
		if err := tx.UpdateList(list); err != nil {
			return false, err
		}
		if calls.Add(1) == 1 {
			panic("handler exploded")
		}
		return false, nil
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})

	shuntQ, err := queues.Get(queue.QShunt)
	if err != nil {
		t.Fatal(err)
	}
	runUntil(t, r, func() bool {
		files, err := shuntQ.Files()
		return err == nil && len(files) == 1
	})

	// The transaction open at the moment of the panic must not commit.
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	l, err := tx.List("ant.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if l.DisplayName != "Ant" {
		t.Errorf("mutation from panicked dispose visible: %q", l.DisplayName)
	}

	// The same runner still processes the next message.
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})
	runUntil(t, r, func() bool { return calls.Load() >= 2 })
}

func TestShuntOnErrorRollsBack(t *testing.T) {
	var processed atomic.Int32
	r, queues, st := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		list.DisplayName = "Mutated"
		if err := tx.UpdateList(list); err != nil {
			return false, err
		}
		processed.Add(1)
		return false, errors.New("handler exploded")
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})

	runUntil(t, r, func() bool { return processed.Load() >= 1 })

	shuntQ, err := queues.Get(queue.QShunt)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		files, err := shuntQ.Files()
		return err == nil && len(files) == 1
	})

	// The store mutation made before the error must not survive.
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	l, err := tx.List("ant.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if l.DisplayName != "Ant" {
		t.Errorf("rolled-back mutation visible: %q", l.DisplayName)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMissingListShunts(t *testing.T) {
	r, queues, _ := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		t.Error("dispose called for unknown list")
		return false, nil
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ghost.example.com"})

	shuntQ, err := queues.Get(queue.QShunt)
	if err != nil {
		t.Fatal(err)
	}
	runUntil(t, r, func() bool {
		files, err := shuntQ.Files()
		return err == nil && len(files) == 1
	})
}

func TestReloadReturnsAfterCurrentMessage(t *testing.T) {
	var processed atomic.Int32
	r, queues, _ := testRunner(t, func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		processed.Add(1)
		return false, nil
	})
	enqueue(t, queues, message.Metadata{message.KeyListID: "ant.example.com"})
	r.RequestReload()

	err := r.Run(context.Background())
	if !errors.Is(err, ErrReload) {
		t.Fatalf("expected ErrReload, got %v", err)
	}
}

func TestSlicingPartitionsBasenames(t *testing.T) {
	const rng = 4
	basenames := make([]string, 200)
	for i := range basenames {
		basenames[i] = fmt.Sprintf("%016x%04x+abcdef%06d", i*7919, i, i)
	}

	claimed := make(map[string]int)
	for slice := 0; slice < rng; slice++ {
		spec := Spec{Name: "in", Slice: slice, Range: rng}
		for _, b := range basenames {
			if spec.Owns(b) {
				claimed[b]++
			}
		}
	}
	for _, b := range basenames {
		if claimed[b] != 1 {
			t.Fatalf("basename %s claimed %d times", b, claimed[b])
		}
	}
}

func TestUnslicedOwnsEverything(t *testing.T) {
	spec := Spec{Name: "in"}
	if !spec.Owns("anything") {
		t.Error("unsliced runner must own every basename")
	}
}
