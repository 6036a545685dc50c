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

// Package master is the supervisor: it owns the singleton lock, spawns
// one child process per runner spec and keeps them alive.
package master

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/runner"
)

// Master supervises runner children. The lock must already be held by
// the caller; Master only runs the process tree.
type Master struct {
	Specs     []runner.Spec
	NoRestart bool
	Log       log.Logger

	// Command builds the child process for a spec. The default
	// re-execs this binary as "runner --runner spec". Tests override.
	Command func(spec runner.Spec) *exec.Cmd

	// ExtraArgs are appended to the default child command line,
	// typically --config.
	ExtraArgs []string

	// RestartDelay throttles crash-looping children. Zero means one
	// second.
	RestartDelay time.Duration

	mu       sync.Mutex
	children map[string]*exec.Cmd
}

func (m *Master) command(spec runner.Spec) *exec.Cmd {
	if m.Command != nil {
		return m.Command(spec)
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := append([]string{"runner", "--runner", spec.String()}, m.ExtraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Signal relays sig to every live child. Used for SIGTERM/SIGINT
// shutdown, SIGHUP log rotation and SIGUSR1 graceful restarts.
func (m *Master) Signal(sig os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cmd := range m.children {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(sig); err != nil {
			m.Log.Error("signal child failed", err, "child", name, "signal", sig.String())
		}
	}
}

func (m *Master) track(name string, cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.children == nil {
		m.children = make(map[string]*exec.Cmd)
	}
	m.children[name] = cmd
}

func (m *Master) untrack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.children, name)
}

// Run spawns the children and blocks until ctx is cancelled and all
// children exited, or until a child fails unrecoverably with restarts
// disabled.
func (m *Master) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, spec := range m.Specs {
		spec := spec
		eg.Go(func() error {
			return m.supervise(ctx, spec)
		})
	}
	return eg.Wait()
}

// supervise keeps one child alive until ctx fires. Clean exits and
// crashes both restart unless NoRestart.
func (m *Master) supervise(ctx context.Context, spec runner.Spec) error {
	delay := m.RestartDelay
	if delay == 0 {
		delay = time.Second
	}

	for {
		cmd := m.command(spec)
		if err := cmd.Start(); err != nil {
			m.Log.Error("cannot start child", err, "child", spec.String())
			if m.NoRestart {
				return err
			}
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		m.track(spec.String(), cmd)
		m.Log.Msg("child started", "child", spec.String(), "pid", cmd.Process.Pid)

		waitErr := cmd.Wait()
		m.untrack(spec.String())

		if ctx.Err() != nil {
			// Shutdown: the child was already signalled.
			return nil
		}
		if waitErr != nil {
			m.Log.Error("child exited", waitErr, "child", spec.String())
		} else {
			m.Log.Msg("child exited cleanly", "child", spec.String())
		}
		if m.NoRestart {
			return waitErr
		}
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// WatchSignals wires process signals to the master: SIGTERM and SIGINT
// cancel ctx after being relayed, SIGHUP and SIGUSR1 are relayed only.
// Returns the derived context.
func (m *Master) WatchSignals(ctx context.Context, sigCh <-chan os.Signal) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				m.Log.Msg("signal received", "signal", sig.String())
				m.Signal(sig)
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					cancel()
					return
				}
			}
		}
	}()
	return ctx
}
