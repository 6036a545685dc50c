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

// Package sqlstore is the SQLite-backed store.Store used in production
// single-node deployments.
//
// List settings are stored as one JSON document per list: the core
// reads them as a unit at the start of every message and never queries
// individual settings. Members, pending tokens and bounce events get
// real columns since the bounce runner filters on them.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foxcpp/mailman/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS lists (
	list_id  TEXT PRIMARY KEY NOT NULL,
	settings TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS members (
	list_id             TEXT NOT NULL,
	email               TEXT NOT NULL,
	role                TEXT NOT NULL,
	moderation_action   TEXT NOT NULL DEFAULT '',
	delivery_status     TEXT NOT NULL DEFAULT 'enabled',
	digest              INTEGER NOT NULL DEFAULT 0,
	ack_posts           INTEGER NOT NULL DEFAULT 0,
	not_metoo           INTEGER NOT NULL DEFAULT 0,
	bounce_score        REAL NOT NULL DEFAULT 0,
	last_bounce_received INTEGER NOT NULL DEFAULT 0,
	bounce_warnings_sent INTEGER NOT NULL DEFAULT 0,
	last_warning_sent   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (list_id, email, role)
);
CREATE TABLE IF NOT EXISTS pendings (
	token   TEXT PRIMARY KEY NOT NULL,
	payload TEXT NOT NULL,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bounce_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	list_id   TEXT NOT NULL,
	email     TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	context   TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS bounce_events_unprocessed
	ON bounce_events (list_id, processed);
`

// Store implements store.Store on a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	// Runner processes are single-threaded per message, one connection
	// avoids SQLITE_BUSY churn between goroutines of the same process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadUncommitted})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	return &tx{tx: sqlTx}, nil
}

// AddList inserts a new list. Used by provisioning, not by runners.
func (s *Store) AddList(l *store.MailingList) error {
	blob, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO lists (list_id, settings) VALUES (?, ?)`, l.ListID, string(blob))
	return err
}

// AddMember inserts a new subscription. Used by provisioning, not by
// runners.
func (s *Store) AddMember(m *store.Member) error {
	if m.Role == "" {
		m.Role = store.RoleMember
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = store.DeliveryEnabled
	}
	_, err := s.db.Exec(
		`INSERT INTO members (list_id, email, role, moderation_action, delivery_status,
			digest, ack_posts, not_metoo, bounce_score, last_bounce_received,
			bounce_warnings_sent, last_warning_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ListID, strings.ToLower(m.Email), m.Role, m.ModerationAction, m.DeliveryStatus,
		m.DigestDelivery, m.AckPosts, m.NotMeToo, m.BounceScore, m.LastBounceReceived.Unix(),
		m.BounceWarningsSent, m.LastWarningSent.Unix())
	return err
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Commit() error   { return t.tx.Commit() }
func (t *tx) Rollback() error { return t.tx.Rollback() }

func (t *tx) List(listID string) (*store.MailingList, error) {
	var blob string
	err := t.tx.QueryRow(`SELECT settings FROM lists WHERE list_id = ?`, listID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoList
	}
	if err != nil {
		return nil, err
	}
	l := &store.MailingList{}
	if err := json.Unmarshal([]byte(blob), l); err != nil {
		return nil, fmt.Errorf("sqlstore: list %s: %w", listID, err)
	}
	return l, nil
}

func (t *tx) Lists() ([]string, error) {
	rows, err := t.tx.Query(`SELECT list_id FROM lists ORDER BY list_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *tx) UpdateList(l *store.MailingList) error {
	blob, err := json.Marshal(l)
	if err != nil {
		return err
	}
	res, err := t.tx.Exec(`UPDATE lists SET settings = ? WHERE list_id = ?`, string(blob), l.ListID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoList
	}
	return nil
}

const memberCols = `list_id, email, role, moderation_action, delivery_status,
	digest, ack_posts, not_metoo, bounce_score, last_bounce_received,
	bounce_warnings_sent, last_warning_sent`

func scanMember(row interface{ Scan(...interface{}) error }) (*store.Member, error) {
	m := &store.Member{}
	var lastBounce, lastWarning int64
	err := row.Scan(&m.ListID, &m.Email, &m.Role, &m.ModerationAction, &m.DeliveryStatus,
		&m.DigestDelivery, &m.AckPosts, &m.NotMeToo, &m.BounceScore, &lastBounce,
		&m.BounceWarningsSent, &lastWarning)
	if err != nil {
		return nil, err
	}
	if lastBounce > 0 {
		m.LastBounceReceived = time.Unix(lastBounce, 0)
	}
	if lastWarning > 0 {
		m.LastWarningSent = time.Unix(lastWarning, 0)
	}
	return m, nil
}

func (t *tx) Member(listID, email string, role store.MemberRole) (*store.Member, error) {
	row := t.tx.QueryRow(`SELECT `+memberCols+` FROM members WHERE list_id = ? AND email = ? AND role = ?`,
		listID, strings.ToLower(email), role)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoMember
	}
	return m, err
}

func (t *tx) Members(listID string, role store.MemberRole) ([]*store.Member, error) {
	rows, err := t.tx.Query(`SELECT `+memberCols+` FROM members WHERE list_id = ? AND role = ? ORDER BY email`,
		listID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) UpdateMember(m *store.Member) error {
	res, err := t.tx.Exec(
		`UPDATE members SET moderation_action = ?, delivery_status = ?, digest = ?,
			ack_posts = ?, not_metoo = ?, bounce_score = ?, last_bounce_received = ?,
			bounce_warnings_sent = ?, last_warning_sent = ?
		WHERE list_id = ? AND email = ? AND role = ?`,
		m.ModerationAction, m.DeliveryStatus, m.DigestDelivery,
		m.AckPosts, m.NotMeToo, m.BounceScore, m.LastBounceReceived.Unix(),
		m.BounceWarningsSent, m.LastWarningSent.Unix(),
		m.ListID, strings.ToLower(m.Email), m.Role)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoMember
	}
	return nil
}

func (t *tx) RemoveMember(listID, email string, role store.MemberRole) error {
	res, err := t.tx.Exec(`DELETE FROM members WHERE list_id = ? AND email = ? AND role = ?`,
		listID, strings.ToLower(email), role)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoMember
	}
	return nil
}

func (t *tx) AddPending(token string, payload store.Pending) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO pendings (token, payload, created) VALUES (?, ?, ?)`,
		token, string(blob), time.Now().Unix())
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) ConfirmPending(token string) (store.Pending, error) {
	var blob string
	err := t.tx.QueryRow(`SELECT payload FROM pendings WHERE token = ?`, token).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.Exec(`DELETE FROM pendings WHERE token = ?`, token); err != nil {
		return nil, err
	}
	p := store.Pending{}
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *tx) AddBounceEvent(ev *store.BounceEvent) error {
	res, err := t.tx.Exec(`INSERT INTO bounce_events (list_id, email, ts, context, processed)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ListID, strings.ToLower(ev.Email), ev.Timestamp.Unix(), ev.Context, ev.Processed)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

func (t *tx) UnprocessedBounceEvents(listID string) ([]*store.BounceEvent, error) {
	rows, err := t.tx.Query(`SELECT id, list_id, email, ts, context, processed
		FROM bounce_events WHERE list_id = ? AND processed = 0 ORDER BY id`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.BounceEvent
	for rows.Next() {
		ev := &store.BounceEvent{}
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.ListID, &ev.Email, &ts, &ev.Context, &ev.Processed); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *tx) MarkBounceEventProcessed(id int64) error {
	_, err := t.tx.Exec(`UPDATE bounce_events SET processed = 1 WHERE id = ?`, id)
	return err
}
