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

package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/mailman/framework/hooks"
	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/bounce"
	"github.com/foxcpp/mailman/internal/chains"
	"github.com/foxcpp/mailman/internal/config"
	"github.com/foxcpp/mailman/internal/digest"
	"github.com/foxcpp/mailman/internal/pipelines"
	"github.com/foxcpp/mailman/internal/plugin"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/runner"
	"github.com/foxcpp/mailman/internal/smtpout"
	"github.com/foxcpp/mailman/internal/store"
	"github.com/foxcpp/mailman/internal/store/sqlstore"
)

// env is the assembled process environment a runner command operates
// in.
type env struct {
	cfg    *config.Config
	queues *queue.Registry
	store  store.Store
	creg   *chains.Registry
	preg   *pipelines.Registry
	key    *pipelines.SigningKey
	log    log.Logger
}

func openEnv(cfg *config.Config, verbose bool) (*env, error) {
	logger := log.DefaultLogger
	logger.Debug = verbose || cfg.Debug

	creg := chains.NewRegistry()
	preg := pipelines.NewRegistry()
	if err := plugin.Load(creg, preg); err != nil {
		return nil, err
	}

	hooks.RunHooks(hooks.EventPreStoreInit)
	st, err := sqlstore.Open(cfg.SQLiteDSN)
	if err != nil {
		return nil, err
	}
	hooks.RunHooks(hooks.EventPostStoreInit)

	var key *pipelines.SigningKey
	if cfg.DKIM.KeyPath != "" {
		signer, err := loadSigner(cfg.DKIM.KeyPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		key = &pipelines.SigningKey{
			Domain:   cfg.DKIM.Domain,
			Selector: cfg.DKIM.Selector,
			Signer:   signer,
		}
	}

	return &env{
		cfg:    cfg,
		queues: queue.NewRegistry(cfg.QueueDir),
		store:  st,
		creg:   creg,
		preg:   preg,
		key:    key,
		log:    logger,
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

// runnerFor builds the runner for a spec. The queue name picks the
// disposition step.
func (e *env) runnerFor(spec runner.Spec) (*runner.Runner, error) {
	board, err := e.queues.Get(spec.Queue)
	if err != nil {
		return nil, err
	}

	r := &runner.Runner{
		Spec:   spec,
		Board:  board,
		Queues: e.queues,
		Store:  e.store,
		Log:    log.Logger{Name: "runner/" + spec.String(), Out: e.log.Out, Debug: e.log.Debug},
	}

	switch spec.Queue {
	case queue.QIn:
		r.Dispose = chains.IncomingDispose(e.creg, e.queues, r.Log)
	case queue.QPipeline:
		r.Dispose = e.pipelineEnv(r.Log).Dispose()
	case queue.QVirgin:
		r.Dispose = e.pipelineEnv(r.Log).DisposeVirgin()
	case queue.QOut:
		out := &smtpout.Env{
			Client: &smtpout.SMTP{Addr: e.cfg.SMTP.Addr, Hello: e.cfg.Hostname},
			Log:    r.Log,
		}
		r.Dispose = out.Dispose()
	case queue.QDigest:
		denv := &digest.Env{
			Queues: e.queues,
			Dir:    filepath.Join(e.cfg.VarDir, "digests"),
			Log:    r.Log,
		}
		r.Dispose = denv.Dispose()
		r.Periodic = denv.Periodic(e.store)
		r.PeriodicEvery = time.Hour
	case queue.QBounces:
		benv := &bounce.Env{Queues: e.queues, Log: r.Log}
		r.Dispose = benv.Dispose()
		r.Periodic = benv.Periodic(e.store)
		r.PeriodicEvery = time.Minute
	default:
		return nil, fmt.Errorf("no runner for queue %q", spec.Queue)
	}
	return r, nil
}

func (e *env) pipelineEnv(logger log.Logger) *pipelines.Env {
	return &pipelines.Env{
		Registry:   e.preg,
		Queues:     e.queues,
		Log:        logger,
		Hostname:   e.cfg.Hostname,
		Resolver:   net.DefaultResolver,
		SigningKey: e.key,
	}
}

// loadSigner reads a PEM private key usable for DKIM signing. PKCS#8,
// PKCS#1 and EC encodings are accepted.
func loadSigner(path string) (crypto.Signer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(blob)
	if block == nil {
		return nil, fmt.Errorf("dkim: no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("dkim: key in %s cannot sign", path)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("dkim: unsupported key format in %s", path)
}
