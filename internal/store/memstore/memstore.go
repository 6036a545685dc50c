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

// Package memstore is an in-memory store.Store used by tests and by
// components that do not need persistence. Transactions operate on a
// deep copy of the state that replaces the live state on Commit.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/foxcpp/mailman/internal/store"
)

type state struct {
	lists    map[string]*store.MailingList
	members  map[string]*store.Member // key: listid|role|email
	pendings map[string]store.Pending
	events   []*store.BounceEvent
	nextID   int64
}

func memberKey(listID string, role store.MemberRole, email string) string {
	return listID + "|" + string(role) + "|" + strings.ToLower(email)
}

func (s *state) copy() *state {
	cp := &state{
		lists:    make(map[string]*store.MailingList, len(s.lists)),
		members:  make(map[string]*store.Member, len(s.members)),
		pendings: make(map[string]store.Pending, len(s.pendings)),
		events:   make([]*store.BounceEvent, 0, len(s.events)),
		nextID:   s.nextID,
	}
	for k, v := range s.lists {
		l := *v
		cp.lists[k] = &l
	}
	for k, v := range s.members {
		m := *v
		cp.members[k] = &m
	}
	for k, v := range s.pendings {
		p := make(store.Pending, len(v))
		for pk, pv := range v {
			p[pk] = pv
		}
		cp.pendings[k] = p
	}
	for _, ev := range s.events {
		e := *ev
		cp.events = append(cp.events, &e)
	}
	return cp
}

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: &state{
		lists:    map[string]*store.MailingList{},
		members:  map[string]*store.Member{},
		pendings: map[string]store.Pending{},
		nextID:   1,
	}}
}

// AddList seeds a list outside of any transaction. Test helper.
func (s *Store) AddList(l *store.MailingList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.st.lists[l.ListID] = &cp
}

// AddMember seeds a member outside of any transaction. Test helper.
func (s *Store) AddMember(m *store.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.Role == "" {
		cp.Role = store.RoleMember
	}
	if cp.DeliveryStatus == "" {
		cp.DeliveryStatus = store.DeliveryEnabled
	}
	s.st.members[memberKey(cp.ListID, cp.Role, cp.Email)] = &cp
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{owner: s, st: s.st.copy()}, nil
}

func (s *Store) Close() error { return nil }

type tx struct {
	owner *Store
	st    *state
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.owner.st = t.st
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

func (t *tx) List(listID string) (*store.MailingList, error) {
	l, ok := t.st.lists[listID]
	if !ok {
		return nil, store.ErrNoList
	}
	return l, nil
}

func (t *tx) Lists() ([]string, error) {
	out := make([]string, 0, len(t.st.lists))
	for id := range t.st.lists {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) UpdateList(l *store.MailingList) error {
	if _, ok := t.st.lists[l.ListID]; !ok {
		return store.ErrNoList
	}
	t.st.lists[l.ListID] = l
	return nil
}

func (t *tx) Member(listID, email string, role store.MemberRole) (*store.Member, error) {
	m, ok := t.st.members[memberKey(listID, role, email)]
	if !ok {
		return nil, store.ErrNoMember
	}
	return m, nil
}

func (t *tx) Members(listID string, role store.MemberRole) ([]*store.Member, error) {
	var out []*store.Member
	for _, m := range t.st.members {
		if m.ListID == listID && m.Role == role {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (t *tx) UpdateMember(m *store.Member) error {
	key := memberKey(m.ListID, m.Role, m.Email)
	if _, ok := t.st.members[key]; !ok {
		return store.ErrNoMember
	}
	t.st.members[key] = m
	return nil
}

func (t *tx) RemoveMember(listID, email string, role store.MemberRole) error {
	key := memberKey(listID, role, email)
	if _, ok := t.st.members[key]; !ok {
		return store.ErrNoMember
	}
	delete(t.st.members, key)
	return nil
}

func (t *tx) AddPending(token string, payload store.Pending) error {
	if _, ok := t.st.pendings[token]; ok {
		return store.ErrDuplicate
	}
	t.st.pendings[token] = payload
	return nil
}

func (t *tx) ConfirmPending(token string) (store.Pending, error) {
	p, ok := t.st.pendings[token]
	if !ok {
		return nil, store.ErrNoToken
	}
	delete(t.st.pendings, token)
	return p, nil
}

func (t *tx) AddBounceEvent(ev *store.BounceEvent) error {
	cp := *ev
	cp.ID = t.st.nextID
	t.st.nextID++
	ev.ID = cp.ID
	t.st.events = append(t.st.events, &cp)
	return nil
}

func (t *tx) UnprocessedBounceEvents(listID string) ([]*store.BounceEvent, error) {
	var out []*store.BounceEvent
	for _, ev := range t.st.events {
		if !ev.Processed && ev.ListID == listID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) MarkBounceEventProcessed(id int64) error {
	for _, ev := range t.st.events {
		if ev.ID == id {
			ev.Processed = true
			return nil
		}
	}
	return nil
}
