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
Package digest batches list traffic into periodic digests.

The dispose step spools each message from the digest queue into a
per-list directory. A digest is cut when the spool crosses the list's
size threshold or, via the periodic pass, when enough time has gone by
since the last one. Cutting a digest advances the volume counters in
the same transaction and enqueues a multipart/digest message on the
virgin queue addressed to the members who chose digest delivery.
*/
package digest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/store"
)

// defaultSendEvery caps how long spooled messages wait before the
// periodic pass cuts a digest regardless of size.
const defaultSendEvery = 24 * time.Hour

// Queues is the queue access the digest processor needs.
type Queues interface {
	Get(name string) (*queue.Switchboard, error)
}

// Env is the static environment of the digest runner.
type Env struct {
	Queues Queues
	// Dir is the spool root, one subdirectory per list.
	Dir string
	Log log.Logger

	// Now is replaceable for tests. Nil means time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Dispose spools the message and cuts a digest once the spool crosses
// the list's size threshold.
func (e *Env) Dispose() runner.DisposeFunc {
	return func(ctx context.Context, tx store.Tx, list *store.MailingList, msg *message.Msg, meta message.Metadata) (bool, error) {
		if list == nil {
			return false, fmt.Errorf("digest: message %s has no listid", msg.MessageID())
		}

		size, err := e.spool(list, msg)
		if err != nil {
			return false, err
		}
		if list.DigestSizeThreshold > 0 && size >= list.DigestSizeThreshold {
			return false, e.flush(tx, list)
		}
		return false, nil
	}
}

// Periodic cuts overdue digests so low-traffic lists still get theirs.
func (e *Env) Periodic(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		tx, err := st.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				tx.Rollback()
				return
			}
			err = tx.Commit()
		}()

		lists, err := tx.Lists()
		if err != nil {
			return err
		}
		for _, listID := range lists {
			files, err := e.spoolFiles(listID)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				continue
			}
			list, err := tx.List(listID)
			if err != nil {
				return err
			}
			if !list.DigestLastSentAt.IsZero() && e.now().Sub(list.DigestLastSentAt) < defaultSendEvery {
				continue
			}
			if err := e.flush(tx, list); err != nil {
				return err
			}
		}
		return nil
	}
}

// spool appends the message to the list's spool directory and returns
// the total spool size in bytes. Files are named so lexicographic order
// is arrival order.
func (e *Env) spool(list *store.MailingList, msg *message.Msg) (int, error) {
	dir := filepath.Join(e.Dir, list.ListID)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return 0, err
	}

	base := fmt.Sprintf("%016x+%s",
		uint64(e.now().UnixNano()),
		strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
	tmp := filepath.Join(dir, base+".tmp")
	if err := os.WriteFile(tmp, msg.Bytes(), 0o660); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, base)); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	size := 0
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		size += int(info.Size())
	}
	return size, nil
}

func (e *Env) spoolFiles(listID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.Dir, listID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		out = append(out, ent.Name())
	}
	sort.Strings(out)
	return out, nil
}

// flush cuts one digest from the spool: bumps the volume counters,
// builds the multipart/digest message and enqueues it for the digest
// members. The spool is emptied afterwards.
func (e *Env) flush(tx store.Tx, list *store.MailingList) error {
	files, err := e.spoolFiles(list.ListID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	members, err := tx.Members(list.ListID, store.RoleMember)
	if err != nil {
		return err
	}
	var rcpts []string
	for _, m := range members {
		if m.DigestDelivery && m.DeliveryStatus == store.DeliveryEnabled {
			rcpts = append(rcpts, m.Email)
		}
	}
	if len(rcpts) == 0 {
		// Everyone switched away from digests while the spool filled.
		e.Log.Msg("discarding digest spool, no digest members", "listid", list.ListID)
		return e.clearSpool(list.ListID, files)
	}

	// The counters describe the digest being cut; the bump prepares the
	// next issue.
	volume, issue := list.DigestVolume, list.NextDigestNumber
	msg, err := e.build(list, files)
	if err != nil {
		return err
	}
	if err := store.BumpDigest(tx, list, e.now()); err != nil {
		return err
	}

	virgin, err := e.Queues.Get(queue.QVirgin)
	if err != nil {
		return err
	}
	meta := message.Metadata{
		message.KeyListID:         list.ListID,
		message.KeyRecipients:     rcpts,
		message.KeyEnvelopeSender: list.BouncesAddress(),
		message.KeyVersion:        3,
	}
	if _, err := virgin.Enqueue(msg, meta); err != nil {
		return err
	}

	e.Log.Msg("digest sent", "listid", list.ListID,
		"volume", volume, "issue", issue,
		"messages", len(files), "recipients", len(rcpts))
	return e.clearSpool(list.ListID, files)
}

// build assembles the multipart/digest message from the spooled files
// in arrival order, labelled with the list's current volume and issue
// counters.
func (e *Env) build(list *store.MailingList, files []string) (*message.Msg, error) {
	subject := fmt.Sprintf("%s Digest, Vol %d, Issue %d",
		list.DisplayName, list.DigestVolume, list.NextDigestNumber)

	var outer gomessage.Header
	outer.SetContentType("multipart/digest", nil)
	outer.Set("From", list.PostingAddress())
	outer.Set("To", list.PostingAddress())
	outer.Set("Subject", subject)
	outer.Set("Message-Id", message.GenerateMessageID(list.MailHost))
	outer.Set("Date", e.now().UTC().Format(time.RFC1123Z))
	outer.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	mw, err := gomessage.CreateWriter(&buf, outer)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	for _, name := range files {
		blob, err := os.ReadFile(filepath.Join(e.Dir, list.ListID, name))
		if err != nil {
			return nil, err
		}
		var partHdr gomessage.Header
		partHdr.SetContentType("message/rfc822", nil)
		pw, err := mw.CreatePart(partHdr)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		if _, err := pw.Write(blob); err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		pw.Close()
	}
	mw.Close()

	return message.FromBytes(buf.Bytes())
}

func (e *Env) clearSpool(listID string, files []string) error {
	for _, name := range files {
		if err := os.Remove(filepath.Join(e.Dir, listID, name)); err != nil {
			return err
		}
	}
	return nil
}
