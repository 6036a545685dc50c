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

package chains

// RegisterBuiltins fills a fresh registry with the stock rules and
// chains. Plugins are loaded on top of these; a plugin colliding with a
// built-in name is a configuration error, same as two plugins
// colliding.
func RegisterBuiltins(reg *Registry) error {
	rules := []Rule{
		TruthRule(),
		AnyRule(),
		ApprovedRule(),
		EmergencyRule(),
		LoopRule(),
		AdministriviaRule(),
		ImplicitDestRule(),
		MaxSizeRule(),
		MaxRecipientsRule(),
		NoSubjectRule(),
		DigestsRule(),
		MemberModerationRule(),
		NonmemberModerationRule(),
		DMARCMitigationRule(),
	}
	for _, r := range rules {
		if err := reg.AddRule(r); err != nil {
			return err
		}
	}

	builtin := []Chain{
		AcceptChain(),
		HoldChain(),
		RejectChain(),
		DiscardChain(),
		ModerationChain(),
		DMARCChain(),
		DefaultPostingChain(),
		DefaultOwnerChain(),
	}
	for _, c := range builtin {
		if err := reg.AddChain(c); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPostingChain is the chain new lists start with. Hard policy
// violations jump out immediately; hold-worthy conditions are recorded
// with defer links and collected by the trailing any link so one walk
// reports every reason at once.
func DefaultPostingChain() Chain {
	return &StaticChain{
		ChainName: ChainDefaultPosting,
		LinkDefs: []Link{
			{Rule: "dmarc-mitigation", Action: ActionJump, Chain: ChainDMARC},
			{Rule: "approved", Action: ActionJump, Chain: ChainAccept},
			{Rule: "emergency", Action: ActionJump, Chain: ChainHold},
			{Rule: "loop", Action: ActionJump, Chain: ChainDiscard},
			{Rule: "member-moderation", Action: ActionJump, Chain: ChainModeration},
			{Rule: "nonmember-moderation", Action: ActionJump, Chain: ChainModeration},
			{Rule: "administrivia", Action: ActionDefer},
			{Rule: "implicit-dest", Action: ActionDefer},
			{Rule: "max-recipients", Action: ActionDefer},
			{Rule: "max-size", Action: ActionDefer},
			{Rule: "no-subject", Action: ActionDefer},
			{Rule: "digests", Action: ActionDefer},
			{Rule: "any", Action: ActionJump, Chain: ChainHold},
			{Rule: "truth", Action: ActionJump, Chain: ChainAccept},
		},
	}
}

// DefaultOwnerChain handles mail to the -owner address. Owner mail is
// never moderated, only loop-protected: whoever writes to the owners
// should reach them.
func DefaultOwnerChain() Chain {
	return &StaticChain{
		ChainName: ChainDefaultOwner,
		LinkDefs: []Link{
			{Rule: "loop", Action: ActionJump, Chain: ChainDiscard},
			{Rule: "truth", Action: ActionJump, Chain: ChainAccept},
		},
	}
}
