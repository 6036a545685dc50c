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
	"sync"
)

// Well-known queue names. Producers and runners agree on these.
const (
	QIn       = "in"
	QPipeline = "pipeline"
	QOut      = "out"
	QVirgin   = "virgin"
	QDigest   = "digest"
	QArchive  = "archive"
	QNNTP     = "nntp"
	QBounces  = "bounces"
	QShunt    = "shunt"
	QCommand  = "command"
)

// Registry opens switchboards under a common root directory on demand
// and caches them. It is safe for concurrent use.
type Registry struct {
	root string

	mu     sync.Mutex
	boards map[string]*Switchboard
}

func NewRegistry(root string) *Registry {
	return &Registry{root: root, boards: make(map[string]*Switchboard)}
}

func (r *Registry) Root() string { return r.root }

// Get returns the switchboard for the named queue, creating its
// directory on first use.
func (r *Registry) Get(name string) (*Switchboard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sb, ok := r.boards[name]; ok {
		return sb, nil
	}
	sb, err := Open(r.root, name)
	if err != nil {
		return nil, err
	}
	r.boards[name] = sb
	return sb, nil
}
