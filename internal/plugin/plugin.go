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
Package plugin is the compile-time extension point.

A plugin links itself into the binary and registers from an init
function. At startup the loader seeds the rule, chain, handler and
pipeline registries with the built-ins and then walks registered
plugins in registration order; any name collision is a configuration
error and aborts startup. Store-init hooks contributed by plugins run
through framework/hooks.
*/
package plugin

import (
	"fmt"
	"sync"

	"github.com/foxcpp/mailman/framework/hooks"
	"github.com/foxcpp/mailman/internal/chains"
	"github.com/foxcpp/mailman/internal/pipelines"
)

// Plugin is one extension: named collections of rules, chains,
// handlers and pipelines plus optional store-init callbacks.
type Plugin struct {
	Name string

	Rules     []chains.Rule
	Chains    []chains.Chain
	Handlers  []pipelines.Handler
	Pipelines []*pipelines.Pipeline

	// PreStoreInit and PostStoreInit run around persistent store
	// initialization, for schema extensions and wrapping.
	PreStoreInit  func()
	PostStoreInit func()
}

var (
	mu         sync.Mutex
	registered []*Plugin
)

// Register adds a plugin. Called from init(), so a duplicate plugin
// name is a programmer error and panics.
func Register(p *Plugin) {
	if p.Name == "" {
		panic("plugin with empty name cannot be registered")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, existing := range registered {
		if existing.Name == p.Name {
			panic("plugin name already registered: " + p.Name)
		}
	}
	registered = append(registered, p)
}

// Registered returns the plugins in registration order.
func Registered() []*Plugin {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Plugin, len(registered))
	copy(out, registered)
	return out
}

// Load fills both registries with the built-ins and every registered
// plugin's contributions, and installs the plugins' store-init hooks.
// A duplicate name anywhere is fatal to startup.
func Load(creg *chains.Registry, preg *pipelines.Registry) error {
	if err := chains.RegisterBuiltins(creg); err != nil {
		return fmt.Errorf("plugin: builtins: %w", err)
	}
	if err := pipelines.RegisterBuiltins(preg); err != nil {
		return fmt.Errorf("plugin: builtins: %w", err)
	}

	for _, p := range Registered() {
		for _, rule := range p.Rules {
			if err := creg.AddRule(rule); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
		for _, chain := range p.Chains {
			if err := creg.AddChain(chain); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
		for _, h := range p.Handlers {
			if err := preg.AddHandler(h); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
		for _, pl := range p.Pipelines {
			if err := preg.AddPipeline(pl); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
		if p.PreStoreInit != nil {
			hooks.AddHook(hooks.EventPreStoreInit, p.PreStoreInit)
		}
		if p.PostStoreInit != nil {
			hooks.AddHook(hooks.EventPostStoreInit, p.PostStoreInit)
		}
	}
	return nil
}
