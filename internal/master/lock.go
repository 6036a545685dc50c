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

package master

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// LockState classifies a failed lock acquisition.
type LockState int

const (
	LockOK LockState = iota
	// LockConflict: another master is alive on this host.
	LockConflict
	// LockStale: the lock file was left behind by a dead process on
	// this host. Requires --force or manual cleanup.
	LockStale
	// LockHostMismatch: the lock belongs to a different host. Never
	// broken automatically, the pid cannot be checked from here.
	LockHostMismatch
)

func (s LockState) String() string {
	switch s {
	case LockOK:
		return "ok"
	case LockConflict:
		return "conflict"
	case LockStale:
		return "stale_lock"
	case LockHostMismatch:
		return "host_mismatch"
	}
	return fmt.Sprintf("lockstate(%d)", int(s))
}

// Holder is the identity recorded inside the lock file,
// "hostname|pid|tempfilepath" on one line.
type Holder struct {
	Hostname string
	PID      int
	TempFile string
}

func (h Holder) String() string {
	return h.Hostname + "|" + strconv.Itoa(h.PID) + "|" + h.TempFile
}

func parseHolder(blob []byte) (Holder, bool) {
	parts := strings.SplitN(strings.TrimSpace(string(blob)), "|", 3)
	if len(parts) != 3 {
		return Holder{}, false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Holder{}, false
	}
	return Holder{Hostname: parts[0], PID: pid, TempFile: parts[2]}, true
}

// Lock is the held master lock. Release removes the file.
type Lock struct {
	path string
	f    *os.File
}

func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	defer l.f.Close()
	l.f = nil
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Acquire takes the singleton master lock. On failure the returned
// state says why and holder identifies the current owner when it could
// be read. force breaks any existing lock.
func Acquire(path string, force bool) (*Lock, LockState, Holder, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, LockOK, Holder{}, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		f.Close()
		return nil, LockOK, Holder{}, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		// A live process holds the flock. Identify it for the caller.
		blob, _ := os.ReadFile(path)
		holder, _ := parseHolder(blob)
		f.Close()
		if !force {
			state := LockConflict
			if holder.Hostname != "" && holder.Hostname != hostname {
				state = LockHostMismatch
			}
			return nil, state, holder, nil
		}
		// Breaking a held flock means racing its owner. Remove the
		// file out from under it and retry on a fresh inode.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, LockOK, Holder{}, err
		}
		return Acquire(path, false)
	}

	// We hold the flock. Leftover content means the previous master
	// died without releasing.
	blob, _ := os.ReadFile(path)
	if holder, ok := parseHolder(blob); ok && !force {
		switch {
		case holder.Hostname != hostname:
			f.Close()
			return nil, LockHostMismatch, holder, nil
		case pidAlive(holder.PID):
			f.Close()
			return nil, LockConflict, holder, nil
		default:
			f.Close()
			return nil, LockStale, holder, nil
		}
	}

	self := Holder{Hostname: hostname, PID: os.Getpid(), TempFile: path + "." + hostname + "." + strconv.Itoa(os.Getpid())}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, LockOK, Holder{}, err
	}
	if _, err := f.WriteAt([]byte(self.String()+"\n"), 0); err != nil {
		f.Close()
		return nil, LockOK, Holder{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, LockOK, Holder{}, err
	}
	return &Lock{path: path, f: f}, LockOK, self, nil
}

// ReadHolder reads the lock file's recorded owner without taking the
// lock.
func ReadHolder(path string) (Holder, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	holder, ok := parseHolder(blob)
	if !ok {
		return Holder{}, fmt.Errorf("master: garbled lock file %s", path)
	}
	return holder, nil
}

// Status inspects the lock file without acquiring it and returns the
// human-readable status line for the status command.
func Status(path string) (running bool, line string, err error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, "GNU Mailman is not running", nil
	}
	if err != nil {
		return false, "", err
	}
	holder, ok := parseHolder(blob)
	if !ok {
		return false, "GNU Mailman is in an unexpected state (lock file is garbled)", nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return false, "", err
	}
	if holder.Hostname != hostname {
		return false, fmt.Sprintf("GNU Mailman is in an unexpected state (lock held by %s)", holder.Hostname), nil
	}
	if pidAlive(holder.PID) {
		return true, fmt.Sprintf("GNU Mailman is running (master pid: %d)", holder.PID), nil
	}
	return false, fmt.Sprintf("GNU Mailman is stopped (stale pid: %d)", holder.PID), nil
}
