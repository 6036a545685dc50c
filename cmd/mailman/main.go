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

// Command mailman is the list core's entry point: master supervisor,
// runner children and the operator commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/foxcpp/mailman/framework/hooks"
	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/config"
	"github.com/foxcpp/mailman/internal/master"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/runner"
)

// Exit codes. The lock states get stable codes so init scripts can
// tell them apart.
const (
	exitOK           = 0
	exitLockFail     = 1
	exitUsage        = 2
	exitConflict     = 3
	exitStale        = 4
	exitHostMismatch = 5
)

func lockStateExit(state master.LockState, holder master.Holder) error {
	switch state {
	case master.LockConflict:
		return cli.Exit(fmt.Sprintf("GNU Mailman is running (master pid: %d)", holder.PID), exitConflict)
	case master.LockStale:
		return cli.Exit(fmt.Sprintf("GNU Mailman is stopped (stale pid: %d)", holder.PID), exitStale)
	case master.LockHostMismatch:
		return cli.Exit(fmt.Sprintf("master lock is held on host %s", holder.Hostname), exitHostMismatch)
	}
	return cli.Exit("unexpected lock state", exitLockFail)
}

func main() {
	app := &cli.App{
		Name:  "mailman",
		Usage: "mailing list message-processing core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file",
				EnvVars: []string{config.EnvConfigFile},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			runnerCommand(),
			statusCommand(),
			stopCommand(),
			unshuntCommand(),
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			cli.HandleExitCoder(err)
			if err != nil {
				log.Println(err)
				cli.OsExiter(exitLockFail)
			}
		},
	}
	cli.OsExiter = os.Exit

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(exitUsage)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "acquire the master lock and start the runner children",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "break a stale or conflicting master lock",
			},
			&cli.BoolFlag{
				Name:  "no-restart",
				Usage: "do not restart crashed children",
			},
			&cli.StringSliceFlag{
				Name:  "runner",
				Usage: "runner spec NAME[:SLICE:RANGE], repeatable, overrides the config",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			specStrings := c.StringSlice("runner")
			if len(specStrings) > 0 {
				cfg.Runners = specStrings
			}
			specs, err := cfg.RunnerSpecs()
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}

			lock, state, holder, err := master.Acquire(cfg.LockFile, c.Bool("force"))
			if err != nil {
				return cli.Exit(err.Error(), exitLockFail)
			}
			if state != master.LockOK {
				return lockStateExit(state, holder)
			}
			defer lock.Release()

			logger := log.DefaultLogger
			logger.Debug = c.Bool("verbose") || cfg.Debug
			logger.Name = "master"

			if cfg.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						logger.Error("metrics listener failed", err)
					}
				}()
			}

			m := &master.Master{
				Specs:     specs,
				NoRestart: c.Bool("no-restart"),
				Log:       logger,
			}
			if path := c.String("config"); path != "" {
				m.ExtraArgs = []string{"--config", path}
			}
			if logger.Debug {
				m.ExtraArgs = append(m.ExtraArgs, "--verbose")
			}

			sigCh := make(chan os.Signal, 4)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
			defer signal.Stop(sigCh)

			ctx := m.WatchSignals(context.Background(), sigCh)
			logger.Msg("master started", "pid", os.Getpid(), "runners", len(specs))
			err = m.Run(ctx)
			hooks.RunHooks(hooks.EventShutdown)
			return err
		},
	}
}

func runnerCommand() *cli.Command {
	return &cli.Command{
		Name:  "runner",
		Usage: "run a single queue runner in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "runner",
				Usage:    "runner spec NAME[:SLICE:RANGE]",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			spec, err := runner.ParseSpec(c.String("runner"))
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}

			env, err := openEnv(cfg, c.Bool("verbose"))
			if err != nil {
				return err
			}
			defer env.Close()

			r, err := env.runnerFor(spec)
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 4)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
			defer signal.Stop(sigCh)
			go func() {
				for sig := range sigCh {
					switch sig {
					case syscall.SIGUSR1:
						hooks.RunHooks(hooks.EventReload)
						r.RequestReload()
					case syscall.SIGHUP:
						hooks.RunHooks(hooks.EventLogRotate)
					default:
						cancel()
						return
					}
				}
			}()

			err = r.Run(ctx)
			if errors.Is(err, runner.ErrReload) {
				// Finish the current state cleanly and re-exec with the
				// same arguments.
				env.Close()
				exe, exeErr := os.Executable()
				if exeErr != nil {
					return exeErr
				}
				return syscall.Exec(exe, os.Args, os.Environ())
			}
			hooks.RunHooks(hooks.EventShutdown)
			return err
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report whether the master is running",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			running, line, err := master.Status(cfg.LockFile)
			if err != nil {
				return cli.Exit(err.Error(), exitLockFail)
			}
			if running {
				return cli.Exit(line, exitConflict)
			}
			if line != "GNU Mailman is not running" {
				return cli.Exit(line, exitStale)
			}
			fmt.Println(line)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "signal the running master to shut down",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			running, line, err := master.Status(cfg.LockFile)
			if err != nil {
				return cli.Exit(err.Error(), exitLockFail)
			}
			if !running {
				return cli.Exit(line, exitStale)
			}
			holder, err := master.ReadHolder(cfg.LockFile)
			if err != nil {
				return cli.Exit(err.Error(), exitLockFail)
			}
			if err := syscall.Kill(holder.PID, syscall.SIGTERM); err != nil {
				return cli.Exit(fmt.Sprintf("cannot signal master pid %d: %v", holder.PID, err), exitLockFail)
			}
			fmt.Printf("signalled master pid %d\n", holder.PID)
			return nil
		},
	}
}

func unshuntCommand() *cli.Command {
	return &cli.Command{
		Name:  "unshunt",
		Usage: "requeue shunted messages to their origin queues",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			queues := queue.NewRegistry(cfg.QueueDir)
			shunt, err := queues.Get(queue.QShunt)
			if err != nil {
				return err
			}
			if _, err := shunt.Recover(); err != nil {
				return err
			}
			files, err := shunt.Files()
			if err != nil {
				return err
			}

			moved := 0
			for _, basename := range files {
				msg, meta, err := shunt.Dequeue(basename)
				if err != nil {
					// Undecodable entries went to bad/ already.
					log.Println("unshunt:", err)
					continue
				}
				target := meta.String(message.KeyWhichQ)
				if target == "" || target == queue.QShunt {
					target = queue.QIn
				}
				dst, err := queues.Get(target)
				if err != nil {
					return err
				}
				if _, err := dst.Enqueue(msg, meta); err != nil {
					return err
				}
				if err := shunt.Finish(basename); err != nil {
					return err
				}
				moved++
			}
			fmt.Printf("requeued %d message(s)\n", moved)
			return nil
		},
	}
}
