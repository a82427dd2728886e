// Package syncer keeps the local memo mirror consistent with the primary
// memo store. Every reconciliation decision is written to an append-only
// audit log.
package syncer

import (
	"errors"
	"time"
)

var (
	// ErrSyncInProgress is returned when another pass holds the metadata row
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrSyncThrottled is returned when the minimum interval has not elapsed
	ErrSyncThrottled = errors.New("sync throttled")
	// ErrMemoNotFound is returned for unknown memo ids
	ErrMemoNotFound = errors.New("memo not found")
)

// DefaultMinInterval is the minimum time between unforced passes
const DefaultMinInterval = 300 * time.Second

// EntityMemo is the entity type recorded in the audit log
const EntityMemo = "memo"

// Memo is the entity mirrored between the primary store and the local mirror
type Memo struct {
	ID           string    `json:"id" dynamodbav:"id"`
	Title        string    `json:"title" dynamodbav:"title"`
	Transcript   string    `json:"transcript" dynamodbav:"transcript"`
	Notes        string    `json:"notes,omitempty" dynamodbav:"notes,omitempty"`
	DictationID  int64     `json:"dictationId,omitempty" dynamodbav:"dictation_id,omitempty"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"created_at"`
	LastModified time.Time `json:"lastModified" dynamodbav:"last_modified"`
}

// Direction of a reconciliation decision
type Direction string

const (
	PrimaryToMirror Direction = "primary_to_mirror"
	MirrorToPrimary Direction = "mirror_to_primary"
)

// Action taken for one entity
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// Rule is the conflict-resolution rule a decision applied
type Rule string

const (
	RulePrimaryOnly          Rule = "primary_only"
	RuleMirrorOnly           Rule = "mirror_only"
	RuleTimestampPrimaryWins Rule = "timestamp_primary_wins"
	RuleTimestampMirrorWins  Rule = "timestamp_mirror_wins"
	RuleTimestampsEqual      Rule = "timestamps_equal"
)

// AuditEntry records one reconciliation decision. Entries are never updated.
type AuditEntry struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entityId"`
	EntityType string    `json:"entityType"`
	Direction  Direction `json:"direction"`
	Action     Action    `json:"action"`
	Rule       Rule      `json:"rule"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     string    `json:"detail,omitempty"`
}

// Metadata is the single-row sync bookkeeping record
type Metadata struct {
	LastSync   *time.Time `json:"lastSync,omitempty"`
	NextSync   *time.Time `json:"nextSync,omitempty"`
	InProgress bool       `json:"inProgress"`
	// Token is the primary store's continuation token, opaque to the mirror
	Token string `json:"token,omitempty"`
}

// ShouldSync reports whether an unforced pass may start at now
func (m Metadata) ShouldSync(now time.Time, minInterval time.Duration) bool {
	if m.InProgress {
		return false
	}
	if m.LastSync == nil {
		return true
	}
	return now.Sub(*m.LastSync) >= minInterval
}

// decide compares the two copies of an entity. Either side may be nil, not
// both. The winner is returned with the rule and action that apply.
func decide(primary, mirror *Memo) (Rule, Action, Direction) {
	switch {
	case mirror == nil:
		return RulePrimaryOnly, ActionCreate, PrimaryToMirror
	case primary == nil:
		return RuleMirrorOnly, ActionCreate, MirrorToPrimary
	case primary.LastModified.After(mirror.LastModified):
		return RuleTimestampPrimaryWins, ActionUpdate, PrimaryToMirror
	case mirror.LastModified.After(primary.LastModified):
		return RuleTimestampMirrorWins, ActionUpdate, MirrorToPrimary
	default:
		return RuleTimestampsEqual, ActionSkip, PrimaryToMirror
	}
}
