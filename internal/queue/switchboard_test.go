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

package queue

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxcpp/mailman/internal/message"
)

const testMsg = "From: anne@example.com\r\n" +
	"To: ant@example.com\r\n" +
	"Subject: queue test\r\n" +
	"Message-Id: <1@example.com>\r\n" +
	"\r\n" +
	"body line 1\r\nbody line 2\r\n"

func testEntry(t *testing.T) (*message.Msg, message.Metadata) {
	t.Helper()
	msg, err := message.FromBytes([]byte(testMsg))
	if err != nil {
		t.Fatal(err)
	}
	return msg, message.Metadata{
		message.KeyListID: "ant.example.com",
		"version":         3,
		message.KeyRuleHits: []string{"member-moderation"},
	}
}

func TestEnqueueDequeueRoundtrip(t *testing.T) {
	sb, err := Open(t.TempDir(), "in")
	if err != nil {
		t.Fatal(err)
	}

	msg, meta := testEntry(t)
	base, err := sb.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}

	gotMsg, gotMeta, err := sb.Dequeue(base)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(gotMsg.Bytes(), []byte(testMsg)) {
		t.Errorf("message bytes changed across the queue hop:\n got: %q\nwant: %q", gotMsg.Bytes(), testMsg)
	}
	if gotMeta.String(message.KeyListID) != "ant.example.com" {
		t.Errorf("wrong listid: %q", gotMeta.String(message.KeyListID))
	}
	if gotMeta.Int("version") != 3 {
		t.Errorf("wrong version: %d", gotMeta.Int("version"))
	}
	if hits := gotMeta.StringList(message.KeyRuleHits); len(hits) != 1 || hits[0] != "member-moderation" {
		t.Errorf("wrong rule_hits: %v", hits)
	}

	if err := sb.Finish(base); err != nil {
		t.Fatal(err)
	}
	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("queue not empty after finish: %v", files)
	}
}

func TestFilesOrderIsFIFO(t *testing.T) {
	sb, err := Open(t.TempDir(), "in")
	if err != nil {
		t.Fatal(err)
	}

	msg, meta := testEntry(t)
	var want []string
	for i := 0; i < 25; i++ {
		base, err := sb.Enqueue(msg, meta)
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, base)
	}

	got, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("wrong file count: %d != %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot not in enqueue order at %d: %s != %s", i, got[i], want[i])
		}
	}
}

func TestFilesExcludesWorkingCopies(t *testing.T) {
	sb, err := Open(t.TempDir(), "in")
	if err != nil {
		t.Fatal(err)
	}

	msg, meta := testEntry(t)
	base1, err := sb.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Enqueue(msg, meta); err != nil {
		t.Fatal(err)
	}

	if _, _, err := sb.Dequeue(base1); err != nil {
		t.Fatal(err)
	}

	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 primary entry, got %v", files)
	}
	if files[0] == base1 {
		t.Error("claimed entry still reported as primary")
	}
}

func TestRecoverIdempotent(t *testing.T) {
	root := t.TempDir()
	sb, err := Open(root, "in")
	if err != nil {
		t.Fatal(err)
	}

	msg, meta := testEntry(t)
	base, err := sb.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sb.Dequeue(base); err != nil {
		t.Fatal(err)
	}

	// Simulated crash: working copy left behind.
	n, err := sb.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered entry, got %d", n)
	}

	filesOnce, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}

	n, err = sb.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second recover touched %d entries", n)
	}

	filesTwice, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(filesOnce) != 1 || len(filesTwice) != 1 || filesOnce[0] != filesTwice[0] {
		t.Errorf("recover not idempotent: %v != %v", filesOnce, filesTwice)
	}
	if filesOnce[0] != base {
		t.Errorf("recovered entry changed basename: %s != %s", filesOnce[0], base)
	}
}

func TestDequeueCorruptMovesToBad(t *testing.T) {
	root := t.TempDir()
	sb, err := Open(root, "in")
	if err != nil {
		t.Fatal(err)
	}

	base := "0000000000000001+deadbeef"
	if err := os.WriteFile(filepath.Join(sb.Dir(), base), []byte("\xff\xff\xffgarbage"), 0o660); err != nil {
		t.Fatal(err)
	}

	_, _, err = sb.Dequeue(base)
	var parseErr ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}

	// Bytes must not be lost: the file lives in bad/ now.
	if _, err := os.Stat(filepath.Join(root, BadQueue, base)); err != nil {
		t.Errorf("corrupt entry not preserved in bad queue: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sb.Dir(), base+BackupSuffix)); !os.IsNotExist(err) {
		t.Errorf("working copy still present after quarantine")
	}
}

func TestPreserveKeepsEntryQueued(t *testing.T) {
	sb, err := Open(t.TempDir(), "in")
	if err != nil {
		t.Fatal(err)
	}

	msg, meta := testEntry(t)
	base, err := sb.Enqueue(msg, meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sb.Dequeue(base); err != nil {
		t.Fatal(err)
	}
	if err := sb.Preserve(base); err != nil {
		t.Fatal(err)
	}

	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != base {
		t.Errorf("preserved entry missing from snapshot: %v", files)
	}
}
