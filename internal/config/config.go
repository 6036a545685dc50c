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

// Package config loads the site configuration from a TOML file. The
// path comes from --config or the MAILMAN_CONFIG_FILE environment
// variable; with neither set, built-in defaults apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/foxcpp/mailman/internal/runner"
)

// EnvConfigFile overrides the config path when --config is absent.
const EnvConfigFile = "MAILMAN_CONFIG_FILE"

type Config struct {
	// VarDir is the state root; queue, lock and database paths default
	// to subpaths of it.
	VarDir    string `toml:"var_dir"`
	QueueDir  string `toml:"queue_dir"`
	LockFile  string `toml:"lock_file"`
	SQLiteDSN string `toml:"sqlite_dsn"`

	Hostname string `toml:"hostname"` // authserv-id and HELO name
	Debug    bool   `toml:"debug"`

	// MetricsAddr, when set, makes the master expose the Prometheus
	// registry over HTTP at /metrics.
	MetricsAddr string `toml:"metrics_addr"`

	// Runners the master starts, NAME[:SLICE:RANGE] each. An instance
	// per slice is spawned when a range is given.
	Runners []string `toml:"runners"`

	SMTP SMTP `toml:"smtp"`
	DKIM DKIM `toml:"dkim"`
}

type SMTP struct {
	// Addr is the relay the out queue delivers through.
	Addr string `toml:"addr"`
}

type DKIM struct {
	Domain   string `toml:"domain"`
	Selector string `toml:"selector"`
	// KeyPath holds a PKCS#8 or PKCS#1 PEM private key. Empty disables
	// outbound signing and enables signature stripping instead.
	KeyPath string `toml:"key_path"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		VarDir:   "/var/lib/mailman",
		Hostname: defaultHostname(),
		Runners: []string{
			"in", "pipeline", "virgin", "digest", "out", "bounces",
		},
		SMTP: SMTP{Addr: "127.0.0.1:25"},
	}
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// Load reads path, or the MAILMAN_CONFIG_FILE fallback, or returns the
// defaults when neither names a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QueueDir == "" {
		c.QueueDir = filepath.Join(c.VarDir, "queue")
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(c.VarDir, "master.lck")
	}
	if c.SQLiteDSN == "" {
		c.SQLiteDSN = filepath.Join(c.VarDir, "mailman.db")
	}
	if c.Hostname == "" {
		c.Hostname = defaultHostname()
	}
	if len(c.Runners) == 0 {
		c.Runners = Defaults().Runners
	}
}

// RunnerSpecs expands the runner list into one spec per slice. A
// sliced entry stands for the whole instance group, so "out:0:4" (and
// any other slice value) yields four specs.
func (c *Config) RunnerSpecs() ([]runner.Spec, error) {
	var specs []runner.Spec
	for _, s := range c.Runners {
		spec, err := runner.ParseSpec(s)
		if err != nil {
			return nil, err
		}
		if spec.Range <= 1 {
			specs = append(specs, spec)
			continue
		}
		for slice := 0; slice < spec.Range; slice++ {
			specs = append(specs, runner.Spec{
				Name:  spec.Name,
				Queue: spec.Queue,
				Slice: slice,
				Range: spec.Range,
			})
		}
	}
	return specs, nil
}
