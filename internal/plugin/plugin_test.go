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

package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/mailman/framework/hooks"
	"github.com/foxcpp/mailman/internal/chains"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/pipelines"
)

type noopRule struct{ name string }

func (r noopRule) Name() string { return r.name }
func (r noopRule) Record() bool { return true }
func (r noopRule) Check(*chains.Context, *message.Msg, message.Metadata) (bool, error) {
	return false, nil
}

type noopHandler struct{ name string }

func (h noopHandler) Name() string { return h.name }
func (h noopHandler) Process(*pipelines.Context, *message.Msg, message.Metadata) error {
	return nil
}

func resetRegistry() {
	mu.Lock()
	defer mu.Unlock()
	registered = nil
}

func TestLoadAppliesPluginContributions(t *testing.T) {
	resetRegistry()
	t.Cleanup(resetRegistry)

	var preRan, postRan bool
	Register(&Plugin{
		Name:     "corp-policy",
		Rules:    []chains.Rule{noopRule{name: "corp-banner"}},
		Handlers: []pipelines.Handler{noopHandler{name: "corp-footer"}},
		Pipelines: []*pipelines.Pipeline{
			{Name: "corp-pipeline", Handlers: []string{"corp-footer", "to-outgoing"}},
		},
		PreStoreInit:  func() { preRan = true },
		PostStoreInit: func() { postRan = true },
	})

	creg := chains.NewRegistry()
	preg := pipelines.NewRegistry()
	require.NoError(t, Load(creg, preg))

	h, err := preg.Handler("corp-footer")
	require.NoError(t, err)
	require.Equal(t, "corp-footer", h.Name())
	p, err := preg.Pipeline("corp-pipeline")
	require.NoError(t, err)
	require.Equal(t, []string{"corp-footer", "to-outgoing"}, p.Handlers)

	// Built-ins are present alongside.
	_, err = preg.Pipeline(pipelines.DefaultPosting)
	require.NoError(t, err)

	hooks.RunHooks(hooks.EventPreStoreInit)
	hooks.RunHooks(hooks.EventPostStoreInit)
	require.True(t, preRan)
	require.True(t, postRan)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	resetRegistry()
	t.Cleanup(resetRegistry)

	// "truth" collides with a built-in rule.
	Register(&Plugin{
		Name:  "bad-plugin",
		Rules: []chains.Rule{noopRule{name: "truth"}},
	})

	err := Load(chains.NewRegistry(), pipelines.NewRegistry())
	require.ErrorIs(t, err, chains.ErrDuplicateName)
}

func TestRegisterDuplicatePluginPanics(t *testing.T) {
	resetRegistry()
	t.Cleanup(resetRegistry)

	Register(&Plugin{Name: "twice"})
	require.Panics(t, func() { Register(&Plugin{Name: "twice"}) })
	require.Panics(t, func() { Register(&Plugin{}) })
}
