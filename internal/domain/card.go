package domain

import "time"

// Status is the lifecycle state of a card. Deleted is terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Relation types written by the core or by adapters. The set is open:
// consumers must ignore types they do not recognize.
const (
	RelationReplacedBy        = "is_replaced_by"
	RelationMutuallyExclusive = "mutually_exclusive"
	RelationFollowedByCorrect = "is_followed_by_on_correct"
)

// Card is one stored reviewable unit. The identity triple
// (SourcePath, CardKey, Adapter) is unique among live cards; retired cards
// have their key renamed so the original key can be reused.
type Card struct {
	ID          int64
	SourcePath  string
	CardKey     string
	Adapter     string
	Content     string // canonical JSON, adapter-owned, never inspected
	ContentHash string
	DisplayText string
	Gradable    bool
	SourceLine  int
	CreatedAt   time.Time
}

// CardState is the mutable lifecycle record, one-to-one with Card.
type CardState struct {
	CardID    int64
	Status    Status
	UpdatedAt time.Time
}

// ParsedRelation is a relation declared by an adapter at parse time.
// TargetSource defaults to the card's own source path when empty.
type ParsedRelation struct {
	TargetKey    string
	RelationType string
	TargetSource string
}

// ParsedCard is what an adapter produces for one card in a source.
type ParsedCard struct {
	Key         string
	Content     map[string]any
	DisplayText string
	Gradable    bool
	Suspended   bool
	SourceLine  int
	Tags        []string
	Relations   []ParsedRelation
}

// ScanResult is the parsed output for one source unit.
type ScanResult struct {
	SourcePath string
	Adapter    string
	Cards      []ParsedCard
	Suspended  bool // source-level suspension from frontmatter or .sr.config
}

// Relation is a stored typed edge between two cards.
type Relation struct {
	UpstreamCardID   int64
	DownstreamCardID int64
	RelationType     string
}

// ReviewEvent records a single graded review. Rows are append-only: undo
// never mutates history, a re-grade appends a second event.
type ReviewEvent struct {
	ID            int64
	CardID        int64
	SessionID     string
	Timestamp     time.Time
	Grade         int // 0: wrong, 1: correct
	TimeOnFrontMS int64
	TimeOnCardMS  int64
	Feedback      string         // "", "too_hard", "just_right", "too_easy"
	Response      map[string]any // adapter-specific payload, optional
}

// Recommendation is a scheduler's ideal next review time for one card.
// Absence of a row means unscheduled; unscheduled cards sort last.
type Recommendation struct {
	CardID           int64
	Time             time.Time
	PrecisionSeconds int
}

// Flag is a user-applied marker on a card, e.g. "edit_later".
type Flag struct {
	Flag string
	Note string
}
