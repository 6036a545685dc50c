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
Package chains implements the rule-driven disposition engine.

A chain is an ordered list of links, each binding a named rule to an
action. The engine walks links until a terminal action fires, using an
explicit detour stack instead of recursion. Terminal chains (accept,
hold, reject, discard) turn a jump into an outcome; jump chains
(moderation, dmarc) compute their target from message metadata.
*/
package chains

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/mailman/framework/log"
	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/queue"
	"github.com/foxcpp/mailman/internal/store"
)

// Action is what a link does when its rule hits.
type Action int

const (
	// ActionDefer records the rule result and moves to the next link.
	ActionDefer Action = iota
	// ActionJump replaces the current chain with the target chain.
	ActionJump
	// ActionDetour pushes the current position and jumps; execution
	// resumes here when the target chain is exhausted.
	ActionDetour
	// ActionStop ends the walk immediately.
	ActionStop
	// ActionRun calls the link function and continues.
	ActionRun
)

func (a Action) String() string {
	switch a {
	case ActionDefer:
		return "defer"
	case ActionJump:
		return "jump"
	case ActionDetour:
		return "detour"
	case ActionStop:
		return "stop"
	case ActionRun:
		return "run"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// LinkFunc is the callable attached to ActionRun links.
type LinkFunc func(ctx *Context, msg *message.Msg, meta message.Metadata) error

// Link binds a rule to an action. Chain is required for jump/detour,
// Run for run.
type Link struct {
	Rule   string
	Action Action
	Chain  string
	Run    LinkFunc
}

// Rule is a named predicate over (list, message, metadata).
//
// Rules with Record() == true contribute to the rule_hits/rule_misses
// metadata; others are invisible to logging.
type Rule interface {
	Name() string
	Record() bool
	Check(ctx *Context, msg *message.Msg, meta message.Metadata) (bool, error)
}

// Chain is a named ordered sequence of links. Links receives the
// processing context so dynamically built chains are possible.
type Chain interface {
	Name() string
	Links(ctx *Context, msg *message.Msg, meta message.Metadata) ([]Link, error)
}

// JumpChain is a chain that, instead of carrying links, computes the
// name of another chain to jump to.
type JumpChain interface {
	Chain
	Target(ctx *Context, msg *message.Msg, meta message.Metadata) (string, error)
}

// Queues is the subset of the queue registry the disposition chains
// need: accept enqueues on the pipeline queue, reject on virgin.
type Queues interface {
	Get(name string) (*queue.Switchboard, error)
}

// DispositionError indicates a broken link definition or an invalid
// metadata-driven disposition (e.g. moderation_action=defer reaching
// the moderation chain). The affected message is shunted.
type DispositionError struct {
	Reason string
}

func (e DispositionError) Error() string {
	return "chains: " + e.Reason
}

// Event values are passed to Context.OnEvent when a terminal chain
// fires. Tests and the REST layer observe dispositions through them.
type (
	AcceptEvent struct {
		MessageID string
		Pipeline  string
	}
	HoldEvent struct {
		MessageID string
		Token     string
		Reasons   []string
	}
	RejectEvent struct {
		MessageID string
		Reasons   []string
	}
	DiscardEvent struct {
		MessageID string
		Reasons   []string
	}
)

// Context carries everything a rule or terminal chain may need for one
// message. It is created by the runner for each chain walk.
type Context struct {
	Context  context.Context
	Tx       store.Tx
	List     *store.MailingList
	Registry *Registry
	Queues   Queues
	Log      log.Logger

	// OnEvent, if set, observes terminal dispositions.
	OnEvent func(ev interface{})

	// Keep is set by the hold chain: the runner leaves the queue file
	// on disk instead of finishing it.
	Keep bool
}

func (ctx *Context) notify(ev interface{}) {
	if ctx.OnEvent != nil {
		ctx.OnEvent(ev)
	}
}

var ErrDuplicateName = errors.New("chains: name already registered")

// Registry holds the rule and chain namespaces. Duplicate names are a
// fatal configuration error surfaced at boot.
type Registry struct {
	rules  map[string]Rule
	chains map[string]Chain
}

func NewRegistry() *Registry {
	return &Registry{
		rules:  make(map[string]Rule),
		chains: make(map[string]Chain),
	}
}

func (r *Registry) AddRule(rule Rule) error {
	if rule.Name() == "" {
		panic("chains: rule with empty name cannot be registered")
	}
	if _, ok := r.rules[rule.Name()]; ok {
		return fmt.Errorf("%w: rule %s", ErrDuplicateName, rule.Name())
	}
	r.rules[rule.Name()] = rule
	return nil
}

func (r *Registry) AddChain(c Chain) error {
	if c.Name() == "" {
		panic("chains: chain with empty name cannot be registered")
	}
	if _, ok := r.chains[c.Name()]; ok {
		return fmt.Errorf("%w: chain %s", ErrDuplicateName, c.Name())
	}
	r.chains[c.Name()] = c
	return nil
}

func (r *Registry) Rule(name string) (Rule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("chains: no such rule: %s", name)
	}
	return rule, nil
}

func (r *Registry) Chain(name string) (Chain, error) {
	c, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("chains: no such chain: %s", name)
	}
	return c, nil
}

type frame struct {
	name  string
	links []Link
	pos   int
}

// Process walks the named chain for the message.
//
// Each walk produces at most one terminal disposition. rule_hits and
// rule_misses are complete and ordered by evaluation; no link is
// skipped silently.
func Process(ctx *Context, msg *message.Msg, meta message.Metadata, startChain string) error {
	cur, err := makeFrame(ctx, msg, meta, startChain)
	if err != nil {
		return err
	}
	var stack []frame

	for {
		if cur.pos >= len(cur.links) {
			// Chain exhausted: resume a pushed detour position, or
			// finish the walk.
			if len(stack) == 0 {
				return nil
			}
			cur = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			continue
		}
		link := cur.links[cur.pos]
		cur.pos++

		rule, err := ctx.Registry.Rule(link.Rule)
		if err != nil {
			return DispositionError{Reason: fmt.Sprintf("chain %s: %v", cur.name, err)}
		}

		hit, err := rule.Check(ctx, msg, meta)
		if err != nil {
			return fmt.Errorf("chains: rule %s: %w", rule.Name(), err)
		}
		if rule.Record() {
			if hit {
				meta.Append(message.KeyRuleHits, rule.Name())
			} else {
				meta.Append(message.KeyRuleMisses, rule.Name())
			}
		}
		ctx.Log.DebugMsg("rule evaluated",
			"chain", cur.name, "rule", rule.Name(), "hit", hit)
		if !hit {
			continue
		}

		switch link.Action {
		case ActionDefer:
			continue
		case ActionStop:
			return nil
		case ActionRun:
			if link.Run == nil {
				return DispositionError{Reason: fmt.Sprintf(
					"chain %s: run link for rule %s has no function", cur.name, link.Rule)}
			}
			if err := link.Run(ctx, msg, meta); err != nil {
				return err
			}
		case ActionJump:
			next, err := makeFrame(ctx, msg, meta, link.Chain)
			if err != nil {
				return err
			}
			ctx.Log.DebugMsg("jump", "from", cur.name, "to", next.name)
			cur = next
		case ActionDetour:
			next, err := makeFrame(ctx, msg, meta, link.Chain)
			if err != nil {
				return err
			}
			ctx.Log.DebugMsg("detour", "from", cur.name, "to", next.name)
			stack = append(stack, cur)
			cur = next
		default:
			return DispositionError{Reason: fmt.Sprintf(
				"chain %s: invalid link action %v", cur.name, link.Action)}
		}
	}
}

// makeFrame resolves the named chain, following jump chains until a
// linked chain is reached, and returns its starting frame.
func makeFrame(ctx *Context, msg *message.Msg, meta message.Metadata, name string) (frame, error) {
	seen := make(map[string]struct{})
	for {
		if _, ok := seen[name]; ok {
			return frame{}, DispositionError{Reason: "jump chain cycle through " + name}
		}
		seen[name] = struct{}{}

		c, err := ctx.Registry.Chain(name)
		if err != nil {
			return frame{}, DispositionError{Reason: err.Error()}
		}
		jc, ok := c.(JumpChain)
		if !ok {
			links, err := c.Links(ctx, msg, meta)
			if err != nil {
				return frame{}, err
			}
			return frame{name: name, links: links}, nil
		}
		target, err := jc.Target(ctx, msg, meta)
		if err != nil {
			return frame{}, err
		}
		ctx.Log.DebugMsg("jump chain resolved", "chain", name, "target", target)
		name = target
	}
}

// StaticChain is the plain declared-links chain used by built-ins and
// plugins that do not need dynamic behavior.
type StaticChain struct {
	ChainName string
	LinkDefs  []Link
}

func (c *StaticChain) Name() string { return c.ChainName }

func (c *StaticChain) Links(*Context, *message.Msg, message.Metadata) ([]Link, error) {
	return c.LinkDefs, nil
}
