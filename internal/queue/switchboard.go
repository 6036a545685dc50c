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
Package queue implements the on-disk switchboard: one directory per named
queue, one file per in-flight message.

Each file holds a uvarint-length-prefixed JSON metadata frame followed by
the raw RFC 5322 message bytes. Writes go to a temporary file that is
renamed into place, so a reader never observes a partial entry.

A runner claims an entry by renaming it to a working copy with the ".bak"
suffix. Working copies left behind by a crash are renamed back on startup
by Recover. Entries that cannot be decoded are moved to the sibling "bad"
queue instead of being deleted.
*/
package queue

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
)

const (
	// BackupSuffix marks the working copy owned by a runner.
	BackupSuffix = ".bak"

	tmpSuffix = ".tmp"

	// BadQueue is the sibling directory undecodable files are moved to.
	BadQueue = "bad"
)

// WriteError is reported when an entry cannot be serialized or written.
// The caller decides whether to drop or retry.
type WriteError struct {
	Queue string
	Err   error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("queue %s: enqueue: %v", e.Queue, e.Err)
}

func (e WriteError) Unwrap() error { return e.Err }

func (e WriteError) Fields() map[string]interface{} {
	return map[string]interface{}{"queue": e.Queue}
}

// ParseError is reported by Dequeue when the entry bytes cannot be
// decoded. The offending file has already been moved to the bad queue
// by the time the error is returned; no bytes are lost.
type ParseError struct {
	Queue    string
	Basename string
	Err      error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("queue %s: undecodable entry %s: %v", e.Queue, e.Basename, e.Err)
}

func (e ParseError) Unwrap() error { return e.Err }

// Switchboard is a single named queue directory.
//
// Multiple producer processes may enqueue concurrently. Each entry is
// dequeued by exactly one runner (slicing partitions the namespace, see
// the runner package).
type Switchboard struct {
	name string
	root string
	dir  string

	Log log.Logger

	// In-process tiebreaker for entries created within one clock tick.
	seq atomic.Uint64
}

// Open returns a switchboard for root/name, creating the directory if
// needed.
func Open(root, name string) (*Switchboard, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, err
	}
	return &Switchboard{
		name: name,
		root: root,
		dir:  dir,
		Log:  log.Logger{Name: "queue/" + name},
	}, nil
}

func (sb *Switchboard) Name() string { return sb.name }
func (sb *Switchboard) Dir() string  { return sb.dir }

// newBasename builds a creation-order-sortable unique name:
// hex nanosecond timestamp, an in-process sequence number and a random
// suffix for uniqueness across processes. Lexicographic order of these
// names is FIFO-compatible.
func (sb *Switchboard) newBasename() string {
	return fmt.Sprintf("%016x%04x+%s",
		uint64(time.Now().UnixNano()),
		sb.seq.Add(1)&0xffff,
		strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
}

// Enqueue serializes (msg, meta) into a new queue entry and returns its
// basename. The write is atomic from a reader's perspective.
func (sb *Switchboard) Enqueue(msg *message.Msg, meta message.Metadata) (string, error) {
	base := sb.newBasename()

	// Stamp the origin queue so shunted entries can be requeued where
	// they came from.
	meta = meta.Copy()
	meta[message.KeyWhichQ] = sb.name

	blob, err := encodeEntry(msg, meta)
	if err != nil {
		return "", WriteError{Queue: sb.name, Err: err}
	}

	tmp := filepath.Join(sb.dir, base+tmpSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o660)
	if err != nil {
		return "", WriteError{Queue: sb.name, Err: err}
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", WriteError{Queue: sb.name, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", WriteError{Queue: sb.name, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", WriteError{Queue: sb.name, Err: err}
	}
	if err := os.Rename(tmp, filepath.Join(sb.dir, base)); err != nil {
		os.Remove(tmp)
		return "", WriteError{Queue: sb.name, Err: err}
	}

	sb.Log.DebugMsg("enqueued", "basename", base, "listid", meta.String(message.KeyListID))
	return base, nil
}

// Files returns a sorted snapshot of primary entries. Working copies
// and temporary files are excluded.
func (sb *Switchboard) Files() ([]string, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || strings.HasSuffix(name, BackupSuffix) || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Dequeue claims the entry by renaming it to the working copy and
// decodes it. The working copy stays on disk until Finish is called.
//
// If the entry cannot be decoded it is moved to the bad queue and a
// ParseError is returned.
func (sb *Switchboard) Dequeue(basename string) (*message.Msg, message.Metadata, error) {
	primary := filepath.Join(sb.dir, basename)
	backup := primary + BackupSuffix

	if err := os.Rename(primary, backup); err != nil {
		return nil, nil, err
	}

	blob, err := os.ReadFile(backup)
	if err != nil {
		return nil, nil, err
	}

	msg, meta, err := decodeEntry(blob)
	if err != nil {
		sb.quarantine(basename, backup)
		return nil, nil, ParseError{Queue: sb.name, Basename: basename, Err: err}
	}
	return msg, meta, nil
}

// Finish deletes the working copy after successful processing.
func (sb *Switchboard) Finish(basename string) error {
	return os.Remove(filepath.Join(sb.dir, basename+BackupSuffix))
}

// Preserve renames the working copy back to the primary name, keeping
// the entry queued (used when a disposer wants the file kept on disk).
func (sb *Switchboard) Preserve(basename string) error {
	primary := filepath.Join(sb.dir, basename)
	return os.Rename(primary+BackupSuffix, primary)
}

// MoveTo re-enqueues the working copy of basename into another
// switchboard, byte-for-byte. Used for shunting.
func (sb *Switchboard) MoveTo(basename string, dst *Switchboard) error {
	src := filepath.Join(sb.dir, basename+BackupSuffix)
	// Rename keeps the basename so the entry stays attributable.
	return os.Rename(src, filepath.Join(dst.dir, basename))
}

// Recover renames stray working copies back to primary names so
// processing resumes after a crash. It is idempotent: a second run
// finds nothing to do.
func (sb *Switchboard) Recover() (int, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, ent := range entries {
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, BackupSuffix):
			primary := strings.TrimSuffix(name, BackupSuffix)
			if err := os.Rename(filepath.Join(sb.dir, name), filepath.Join(sb.dir, primary)); err != nil {
				return recovered, err
			}
			sb.Log.Msg("recovered working copy", "basename", primary)
			recovered++
		case strings.HasSuffix(name, tmpSuffix):
			// Incomplete write, the producer never renamed it.
			if err := os.Remove(filepath.Join(sb.dir, name)); err != nil {
				return recovered, err
			}
			sb.Log.Msg("removed torn write", "basename", name)
		}
	}
	return recovered, nil
}

func (sb *Switchboard) quarantine(basename, path string) {
	badDir := filepath.Join(sb.root, BadQueue)
	if err := os.MkdirAll(badDir, 0o770); err != nil {
		sb.Log.Error("bad queue unavailable", err, "basename", basename)
		return
	}
	if err := os.Rename(path, filepath.Join(badDir, basename)); err != nil {
		sb.Log.Error("bad queue move failed", err, "basename", basename)
		return
	}
	sb.Log.Msg("moved undecodable entry to bad queue", "basename", basename)
}

func encodeEntry(msg *message.Msg, meta message.Metadata) ([]byte, error) {
	metaBlob, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var lenPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenPrefix[:], uint64(len(metaBlob)))
	buf.Write(lenPrefix[:n])
	buf.Write(metaBlob)
	if err := msg.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(blob []byte) (*message.Msg, message.Metadata, error) {
	br := bufio.NewReader(bytes.NewReader(blob))
	metaLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, nil, fmt.Errorf("metadata frame length: %w", err)
	}
	if metaLen > uint64(len(blob)) {
		return nil, nil, fmt.Errorf("metadata frame length %d exceeds entry size %d", metaLen, len(blob))
	}

	metaBlob := make([]byte, metaLen)
	if _, err := io.ReadFull(br, metaBlob); err != nil {
		return nil, nil, fmt.Errorf("metadata frame: %w", err)
	}
	meta := message.Metadata{}
	if err := json.Unmarshal(metaBlob, &meta); err != nil {
		return nil, nil, fmt.Errorf("metadata frame: %w", err)
	}

	msg, err := message.Read(br)
	if err != nil {
		return nil, nil, err
	}
	return msg, meta, nil
}
