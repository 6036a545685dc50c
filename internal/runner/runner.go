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
Package runner drives one switchboard queue.

A runner is single-threaded per message: it snapshots the queue,
claims each file it owns (per slicing), wraps the disposition in a
store transaction and either finishes, preserves or shunts the file.
The runner loop is the sole error recovery boundary; no dispose error
tears the process down.
*/
package runner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/metrics"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
)

// DisposeFunc handles one message. list is nil for queues that are not
// list-bound (no listid in metadata). Returning keep=true leaves the
// queue entry on disk (hold); the runner does not dispatch it again for
// the lifetime of this process, only a restart re-reads it. An error
// shunts the message and rolls back the transaction.
type DisposeFunc func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (keep bool, err error)

// ErrReload is returned by Run when a graceful restart was requested:
// the current message was completed, the caller should re-exec.
var ErrReload = errors.New("runner: reload requested")

// Spec names a runner instance: which queue it drives and which slice
// of the basename space it owns. Range <= 1 means unsliced.
type Spec struct {
	Name  string
	Queue string
	Slice int
	Range int
}

func (s Spec) String() string {
	if s.Range <= 1 {
		return s.Name
	}
	return fmt.Sprintf("%s:%d:%d", s.Name, s.Slice, s.Range)
}

// ParseSpec reads the NAME[:SLICE:RANGE] form used on the command line.
// The queue name defaults to the runner name.
func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Spec{}, fmt.Errorf("runner: empty spec")
		}
		return Spec{Name: parts[0], Queue: parts[0], Range: 1}, nil
	case 3:
		slice, err := strconv.Atoi(parts[1])
		if err != nil {
			return Spec{}, fmt.Errorf("runner: bad slice in %q: %w", s, err)
		}
		rng, err := strconv.Atoi(parts[2])
		if err != nil {
			return Spec{}, fmt.Errorf("runner: bad range in %q: %w", s, err)
		}
		if rng < 1 || slice < 0 || slice >= rng {
			return Spec{}, fmt.Errorf("runner: slice %d out of range %d in %q", slice, rng, s)
		}
		return Spec{Name: parts[0], Queue: parts[0], Slice: slice, Range: rng}, nil
	}
	return Spec{}, fmt.Errorf("runner: malformed spec %q, want NAME[:SLICE:RANGE]", s)
}

// Owns reports whether this spec's slice claims the basename. The hash
// only has to be deterministic across restarts and processes.
func (s Spec) Owns(basename string) bool {
	if s.Range <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(basename))
	return int(h.Sum32())%s.Range == s.Slice
}

// Runner drives one queue with one dispose function.
type Runner struct {
	Spec    Spec
	Board   *queue.Switchboard
	Queues  *queue.Registry
	Store   store.Store
	Log     log.Logger
	Dispose DisposeFunc

	// Periodic, if set, runs every PeriodicEvery and whenever the queue
	// snapshot comes up empty.
	Periodic      func(ctx context.Context) error
	PeriodicEvery time.Duration

	// SleepInterval is the base empty-queue poll interval, jittered by
	// up to 50%. Zero means one second.
	SleepInterval time.Duration

	reload atomic.Bool

	// Basenames preserved by a keep disposition. They stay on disk and
	// in Files snapshots but must not be disposed again by this process,
	// or a held message would mint a new pending token every iteration.
	kept map[string]struct{}
}

// RequestReload makes Run return ErrReload after the in-flight message.
func (r *Runner) RequestReload() {
	r.reload.Store(true)
}

// Run processes the queue until ctx is cancelled or a reload is
// requested. Stray sidecars from a previous crash are recovered first.
func (r *Runner) Run(ctx context.Context) error {
	recovered, err := r.Board.Recover()
	if err != nil {
		return fmt.Errorf("runner %s: %w", r.Spec.Name, err)
	}
	if recovered > 0 {
		r.Log.Msg("recovered working copies", "queue", r.Board.Name(), "count", recovered)
	}

	lastPeriodic := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.reload.Load() {
			return ErrReload
		}

		files, err := r.Board.Files()
		if err != nil {
			return fmt.Errorf("runner %s: %w", r.Spec.Name, err)
		}

		processed := 0
		for _, basename := range files {
			if ctx.Err() != nil {
				return nil
			}
			if r.reload.Load() {
				return ErrReload
			}
			if !r.Spec.Owns(basename) {
				continue
			}
			if _, ok := r.kept[basename]; ok {
				continue
			}
			r.one(ctx, basename)
			processed++
		}

		if r.Periodic != nil &&
			(processed == 0 || r.PeriodicEvery > 0 && time.Since(lastPeriodic) >= r.PeriodicEvery) {
			if err := r.Periodic(ctx); err != nil {
				r.Log.Error("periodic pass failed", err, "runner", r.Spec.Name)
			}
			lastPeriodic = time.Now()
		}

		if processed == 0 {
			if !r.sleep(ctx) {
				return nil
			}
		}
	}
}

// sleep waits a jittered poll interval, false when ctx fired.
func (r *Runner) sleep(ctx context.Context) bool {
	base := r.SleepInterval
	if base == 0 {
		base = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(base/2 + jitter):
		return true
	}
}

// one processes a single queue entry through dequeue, transaction,
// dispose, and the finish/preserve/shunt decision.
func (r *Runner) one(ctx context.Context, basename string) {
	msg, meta, err := r.Board.Dequeue(basename)
	if err != nil {
		var parseErr queue.ParseError
		if errors.As(err, &parseErr) {
			// Dequeue already moved the bytes to bad/.
			r.Log.Error("undecodable queue entry quarantined", err, "runner", r.Spec.Name)
			metrics.ParseErrors.WithLabelValues(r.Spec.Name).Inc()
			return
		}
		r.Log.Error("dequeue failed", err, "runner", r.Spec.Name, "basename", basename)
		return
	}

	keep, err := r.process(ctx, msg, meta)
	if err != nil {
		r.Log.Error("message shunted", err,
			"runner", r.Spec.Name, "msgid", msg.MessageID())
		r.shunt(basename)
		metrics.Processed.WithLabelValues(r.Spec.Name, metrics.ResultShunted).Inc()
		return
	}

	if keep {
		if err := r.Board.Preserve(basename); err != nil {
			r.Log.Error("preserve failed", err, "runner", r.Spec.Name, "basename", basename)
		}
		if r.kept == nil {
			r.kept = make(map[string]struct{})
		}
		r.kept[basename] = struct{}{}
		metrics.Processed.WithLabelValues(r.Spec.Name, metrics.ResultPreserved).Inc()
		return
	}
	if err := r.Board.Finish(basename); err != nil {
		r.Log.Error("finish failed", err, "runner", r.Spec.Name, "basename", basename)
	}
	metrics.Processed.WithLabelValues(r.Spec.Name, metrics.ResultDone).Inc()
}

// process wraps dispose in a store transaction. The commit is the
// disposition point: an error on any path leaves the store untouched.
func (r *Runner) process(ctx context.Context, msg *message.Msg, meta message.Metadata) (keep bool, err error) {
	tx, err := r.Store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.Log.Error("rollback failed", rbErr, "runner", r.Spec.Name)
			}
			return
		}
		err = tx.Commit()
	}()

	var list *store.MailingList
	if listID := meta.String(message.KeyListID); listID != "" {
		list, err = tx.List(listID)
		if err != nil {
			return false, fmt.Errorf("runner %s: list %s: %w", r.Spec.Name, listID, err)
		}
	}

	return r.dispose(ctx, tx, list, msg, meta)
}

// dispose calls the disposition function and contains its panics. A
// panicking handler must not tear the runner down: the error return
// makes the caller roll back and shunt the offending message, then the
// loop goes on with the next one.
func (r *Runner) dispose(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (keep bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.Log.Msg("dispose panicked", "runner", r.Spec.Name,
				"msgid", msg.MessageID(), "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			keep = false
			err = fmt.Errorf("runner %s: panic in dispose: %v", r.Spec.Name, p)
		}
	}()
	return r.Dispose(ctx, tx, list, msg, meta)
}

// shunt moves the working copy to the shunt queue for operator
// inspection. Shunted entries are only retried via the unshunt command.
func (r *Runner) shunt(basename string) {
	shuntQ, err := r.Queues.Get(queue.QShunt)
	if err != nil {
		r.Log.Error("cannot open shunt queue", err, "runner", r.Spec.Name)
		return
	}
	if err := r.Board.MoveTo(basename, shuntQ); err != nil {
		r.Log.Error("shunt failed", err, "runner", r.Spec.Name, "basename", basename)
	}
}
