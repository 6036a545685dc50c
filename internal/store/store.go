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

// Package store defines the persistent data model consumed by the
// processing core: lists, members, pending tokens and bounce events.
//
// Runners open one transaction per message. The transaction commit is
// the message's official disposition point: an error anywhere in
// processing rolls back all store mutations made for that message.
// Queue effects are not transactional and are sequenced so that
// outbound enqueues happen only after handlers succeed.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoList       = errors.New("store: no such list")
	ErrNoMember     = errors.New("store: no such member")
	ErrNoToken      = errors.New("store: no such pending token")
	ErrDuplicate    = errors.New("store: already exists")
)

// ModAction is a moderation disposition attached to members and used as
// the moderation_action metadata value.
type ModAction string

const (
	ActionDefer   ModAction = "defer"
	ActionAccept  ModAction = "accept"
	ActionHold    ModAction = "hold"
	ActionReject  ModAction = "reject"
	ActionDiscard ModAction = "discard"
)

// MemberRole distinguishes subscription kinds on one list.
type MemberRole string

const (
	RoleMember    MemberRole = "member"
	RoleOwner     MemberRole = "owner"
	RoleModerator MemberRole = "moderator"
)

// DeliveryStatus reports whether and why regular delivery is disabled.
type DeliveryStatus string

const (
	DeliveryEnabled   DeliveryStatus = "enabled"
	DeliveryByUser    DeliveryStatus = "by_user"
	DeliveryByBounces DeliveryStatus = "by_bounces"
)

// MailingList is the list object consumed by rules and handlers. The
// core never computes policy, it reads these fields.
type MailingList struct {
	ListID      string // ant.example.com
	MailHost    string // example.com
	ListName    string // ant
	DisplayName string // Ant

	// Chain/pipeline names used for messages posted to this list.
	PostingChain    string
	PostingPipeline string
	OwnerChain      string
	OwnerPipeline   string

	SubjectPrefix string // "[Ant] "

	// ModeratorPassword gates the Approved: header shortcut. Empty
	// disables it.
	ModeratorPassword string

	// Moderation policy.
	Emergency                  bool
	Administrivia              bool
	DefaultMemberAction        ModAction
	DefaultNonmemberAction     ModAction
	MaxMessageSize             int // bytes, 0 = unlimited
	MaxNumRecipients           int // 0 = unlimited
	HoldDigests                bool
	RequireExplicitDestination bool

	// Content filtering.
	FilterContent bool
	FilterTypes   []string
	PassTypes     []string

	// Outbound decoration.
	Archive         bool
	ArchiveURL      string
	GatewayToNews   bool
	NNTPGroup       string
	ReplyGoesToList bool

	// DMARC mitigation policy for p=reject/quarantine domains.
	DMARCMitigateAction ModAction

	// Bounce processing knobs.
	ProcessBounces                       bool
	BounceScoreThreshold                 float64
	BounceYouAreDisabledWarnings         int
	BounceYouAreDisabledWarningsInterval time.Duration
	BounceInfoStaleAfter                 time.Duration
	SendProbes                           bool

	// Digest state.
	DigestVolume          int
	NextDigestNumber      int
	DigestLastSentAt      time.Time
	DigestVolumeFrequency time.Duration
	DigestSizeThreshold   int // spool bytes that trigger a digest, 0 = time-based only

	LastPostAt time.Time

	// Topics for the tagger handler: name -> regexp source matched
	// against Subject and Keywords.
	Topics map[string]string
}

// PostingAddress returns the list's RFC 5322 posting address.
func (l *MailingList) PostingAddress() string {
	return l.ListName + "@" + l.MailHost
}

// OwnerAddress returns the administrative contact address.
func (l *MailingList) OwnerAddress() string {
	return l.ListName + "-owner@" + l.MailHost
}

// RequestAddress returns the -request robot address.
func (l *MailingList) RequestAddress() string {
	return l.ListName + "-request@" + l.MailHost
}

// BouncesAddress returns the envelope sender used for outgoing posts so
// bounces come back to us.
func (l *MailingList) BouncesAddress() string {
	return l.ListName + "-bounces@" + l.MailHost
}

// VERPAddress encodes the recipient into the bounce return path:
// ant-bounces+anne=example.org@example.com.
func (l *MailingList) VERPAddress(rcpt string) string {
	local := strings.ReplaceAll(rcpt, "@", "=")
	return l.ListName + "-bounces+" + local + "@" + l.MailHost
}

// ProbeAddress encodes a probe token into the return path:
// ant-probe+TOKEN@example.com.
func (l *MailingList) ProbeAddress(token string) string {
	return l.ListName + "-probe+" + token + "@" + l.MailHost
}

// Member is one subscription of an address to a list role.
type Member struct {
	ListID string
	Email  string
	Role   MemberRole

	ModerationAction ModAction // empty = use list default
	DeliveryStatus   DeliveryStatus
	DigestDelivery   bool
	AckPosts         bool
	NotMeToo         bool

	BounceScore        float64
	LastBounceReceived time.Time
	BounceWarningsSent int
	LastWarningSent    time.Time
}

// BounceContext tells probe bounces apart from regular ones.
type BounceContext string

const (
	ContextNormal BounceContext = "normal"
	ContextProbe  BounceContext = "probe"
)

// BounceEvent is a recorded attribution of a delivery failure to a
// member address. Events accumulate and are folded into the member's
// bounce score by the bounce runner's periodic pass.
type BounceEvent struct {
	ID        int64
	ListID    string
	Email     string
	Timestamp time.Time
	Context   BounceContext
	Processed bool
}

// Pending is the payload a pending token resolves to: type-tagged
// key/value pairs describing a deferred workflow (hold, confirm,
// probe).
type Pending map[string]interface{}

// Tx is a per-message transaction. Isolation is read-uncommitted;
// runners never touch state owned by another runner so this is
// sufficient.
type Tx interface {
	Commit() error
	Rollback() error

	List(listID string) (*MailingList, error)
	Lists() ([]string, error)
	UpdateList(l *MailingList) error

	Member(listID, email string, role MemberRole) (*Member, error)
	Members(listID string, role MemberRole) ([]*Member, error)
	UpdateMember(m *Member) error
	RemoveMember(listID, email string, role MemberRole) error

	AddPending(token string, payload Pending) error
	ConfirmPending(token string) (Pending, error)

	AddBounceEvent(ev *BounceEvent) error
	UnprocessedBounceEvents(listID string) ([]*BounceEvent, error)
	MarkBounceEventProcessed(id int64) error
}

// Store hands out transactions. Implementations: sqlstore (production,
// SQLite) and memstore (tests).
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// BumpDigest advances the digest volume counters for a list, in the
// caller's transaction.
//
// If the last digest was sent in a previous volume period, the volume
// is incremented and issue numbering restarts at 1. Otherwise only the
// issue number advances.
func BumpDigest(tx Tx, l *MailingList, now time.Time) error {
	freq := l.DigestVolumeFrequency
	if freq == 0 {
		freq = 30 * 24 * time.Hour
	}
	if l.DigestLastSentAt.IsZero() || now.Sub(l.DigestLastSentAt) >= freq {
		l.DigestVolume++
		l.NextDigestNumber = 1
	} else {
		l.NextDigestNumber++
	}
	l.DigestLastSentAt = now
	return tx.UpdateList(l)
}
