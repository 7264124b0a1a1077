package moderation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is a moderation outcome. Actions are totally ordered by severity:
// allow < blur < hide < block.
type Action int

const (
	ActionAllow Action = iota
	ActionBlur
	ActionHide
	ActionBlock
)

var actionNames = [...]string{"allow", "blur", "hide", "block"}

func (a Action) String() string {
	if a < ActionAllow || a > ActionBlock {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseAction parses the string form of an action
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return ActionAllow, fmt.Errorf("unknown action: %q", s)
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MaxAction returns the more severe of two actions
func MaxAction(a, b Action) Action {
	if b > a {
		return b
	}
	return a
}

// ReportType classifies a community report
type ReportType string

const (
	ReportSpam       ReportType = "spam"
	ReportHarassment ReportType = "harassment"
	ReportIllegal    ReportType = "illegal"
	ReportCSAM       ReportType = "csam"
	ReportNudity     ReportType = "nudity"
	ReportOther      ReportType = "other"
)

// ParseReportType normalizes a classification string. Unknown types are
// counted as "other" rather than rejected.
func ParseReportType(s string) ReportType {
	switch ReportType(strings.ToLower(strings.TrimSpace(s))) {
	case ReportSpam:
		return ReportSpam
	case ReportHarassment:
		return ReportHarassment
	case ReportIllegal:
		return ReportIllegal
	case ReportCSAM:
		return ReportCSAM
	case ReportNudity:
		return ReportNudity
	default:
		return ReportOther
	}
}

// Report is a single community report on a target
type Report struct {
	ID                string     `json:"id"`
	TargetID          string     `json:"target_id"`
	ReporterPubkey    string     `json:"reporter_pubkey"`
	Type              ReportType `json:"type"`
	Reason            string     `json:"reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	IsTrustedReporter bool       `json:"is_trusted_reporter"`
}

type reportKey struct {
	reporter string
	target   string
	typ      ReportType
}

func (r *Report) key() reportKey {
	return reportKey{reporter: r.ReporterPubkey, target: r.TargetID, typ: r.Type}
}

// ReportAggregation is the derived view of the active reports on a target.
// It is recomputed on read and never persisted.
type ReportAggregation struct {
	TargetID             string             `json:"target_id"`
	CountsByType         map[ReportType]int `json:"counts_by_type"`
	TrustedCount         int                `json:"trusted_count"`
	TotalCount           int                `json:"total_count"`
	OldestActiveReportAt time.Time          `json:"oldest_active_report_at,omitzero"`
	Recommendation       Action             `json:"recommendation"`
	Confidence           float64            `json:"confidence"`
}

// Label is a structured annotation from a subscribed labeler
type Label struct {
	ID            string    `json:"id"`
	TargetID      string    `json:"target_id"`
	Namespace     string    `json:"namespace"`
	Value         string    `json:"value"`
	LabelerPubkey string    `json:"labeler_pubkey"`
	CreatedAt     time.Time `json:"created_at"`
}

// LabelConsensus counts distinct labelers per value for a target/namespace
type LabelConsensus struct {
	TargetID      string         `json:"target_id"`
	Namespace     string         `json:"namespace"`
	CountsByValue map[string]int `json:"counts_by_value"`
}

// MuteKind is the field a mute entry matches against
type MuteKind string

const (
	MutePubkey  MuteKind = "pubkey"
	MuteEventID MuteKind = "event"
	MuteKeyword MuteKind = "keyword"
	MuteHashtag MuteKind = "hashtag"
)

// MuteSource tells whether a mute entry is the owner's own or came from a subscribed list
type MuteSource string

const (
	MuteSourcePersonal   MuteSource = "personal"
	MuteSourceSubscribed MuteSource = "subscribed"
)

// MuteEntry is a single mute rule
type MuteEntry struct {
	OwnerPubkey string     `json:"owner_pubkey"`
	Kind        MuteKind   `json:"kind"`
	Value       string     `json:"value"`
	Source      MuteSource `json:"source"`
	ListID      string     `json:"list_id,omitempty"`
}

// SignalKind identifies which part of the engine produced a candidate action
type SignalKind string

const (
	SignalBuiltin        SignalKind = "builtin"
	SignalPersonalMute   SignalKind = "personal_mute"
	SignalSubscribedMute SignalKind = "subscribed_mute"
	SignalReports        SignalKind = "reports"
	SignalLabels         SignalKind = "labels"
)

// SignalSource attributes a decision to one signal
type SignalSource struct {
	Kind   SignalKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
	Action Action     `json:"action"`
}

// Decision is the single moderation outcome for a target as seen by one caller
type Decision struct {
	TargetID   string         `json:"target_id"`
	Action     Action         `json:"action"`
	Sources    []SignalSource `json:"sources"`
	Confidence float64        `json:"confidence"`
	// Degraded is set when a source that could have raised Action was
	// unavailable at decision time
	Degraded   bool      `json:"degraded,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// AuditAction is a type of engine-level change recorded in the audit log
type AuditAction string

const (
	AuditSubscribeLabeler    AuditAction = "subscribe_labeler"
	AuditUnsubscribeLabeler  AuditAction = "unsubscribe_labeler"
	AuditSubscribeMuteList   AuditAction = "subscribe_mute_list"
	AuditUnsubscribeMuteList AuditAction = "unsubscribe_mute_list"
	AuditSubscribeNetwork    AuditAction = "subscribe_network_reports"
	AuditPersonalMuteAdded   AuditAction = "personal_mute_added"
)

// AuditEntry represents a logged subscription or mute change
type AuditEntry struct {
	ID        string            `json:"id"`
	Action    AuditAction       `json:"action"`
	TargetID  string            `json:"target_id"` // labeler, list owner or mute owner
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
