package events

import (
	"errors"
	"strings"
	"time"
)

// ErrUnsupportedKind is returned by Parse for kinds the engine does not consume
var ErrUnsupportedKind = errors.New("unsupported event kind")

// MalformedEventError is returned when an event lacks a tag required for its kind.
// Malformed events are dropped at the ingestion boundary.
type MalformedEventError struct {
	EventID string
	Kind    int
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return "malformed event " + e.EventID + ": " + e.Reason
}

func malformed(evt *Event, reason string) error {
	return &MalformedEventError{EventID: evt.ID, Kind: evt.Kind, Reason: reason}
}

// Parsed is a validated event variant. The set of implementations is closed:
// *ReportEvent, *LabelEvent and *MuteListEvent.
type Parsed interface {
	Source() *Event
	parsed()
}

// ReportEvent is a validated community report
type ReportEvent struct {
	Raw *Event

	// TargetID is the reported event id, or the reported account if no event is referenced
	TargetID string
	// TargetPubkey is the account referenced by the p tag, if any
	TargetPubkey string
	// Type is the raw classification string; normalization happens in the aggregator
	Type   string
	Reason string
}

// LabelTarget is one label assignment carried by a label event
type LabelTarget struct {
	TargetID string
	Value    string
}

// LabelEvent is a validated labeler annotation
type LabelEvent struct {
	Raw       *Event
	Namespace string
	Labels    []LabelTarget
}

// MuteListEvent is a validated mute list. An empty list is valid and clears
// the owner's previous entries.
type MuteListEvent struct {
	Raw      *Event
	Pubkeys  []string
	EventIDs []string
	Keywords []string
	Hashtags []string
}

func (r *ReportEvent) Source() *Event   { return r.Raw }
func (l *LabelEvent) Source() *Event    { return l.Raw }
func (m *MuteListEvent) Source() *Event { return m.Raw }

func (*ReportEvent) parsed()   {}
func (*LabelEvent) parsed()    {}
func (*MuteListEvent) parsed() {}

// MaxFutureSkew is how far ahead of the local clock an event may be dated
const MaxFutureSkew = 15 * time.Minute

// Parse validates an event once and returns its typed variant. Events must
// carry a valid id and signature and must not be dated past now+MaxFutureSkew.
func Parse(evt Event, now time.Time) (Parsed, error) {
	switch evt.Kind {
	case KindReport, KindLabel, KindMuteList:
	default:
		return nil, ErrUnsupportedKind
	}
	if !IsHexID(evt.ID) || !IsHexID(evt.PubKey) {
		return nil, malformed(&evt, "id and pubkey must be 64 lowercase hex chars")
	}
	if err := evt.Verify(); err != nil {
		return nil, malformed(&evt, err.Error())
	}
	if evt.CreatedAt.After(now.Add(MaxFutureSkew)) {
		return nil, malformed(&evt, "created_at is in the future")
	}

	switch evt.Kind {
	case KindReport:
		return parseReport(&evt)
	case KindLabel:
		return parseLabel(&evt)
	default:
		return parseMuteList(&evt), nil
	}
}

func parseReport(evt *Event) (*ReportEvent, error) {
	r := &ReportEvent{Raw: evt, Reason: evt.Content}

	p, hasP := evt.FirstTag("p")
	e, hasE := evt.FirstTag("e")
	if hasP {
		r.TargetPubkey = p.Value()
		r.TargetID = p.Value()
	}
	if hasE {
		r.TargetID = e.Value()
	}
	if r.TargetID == "" {
		return nil, malformed(evt, "report has no e or p target tag")
	}
	if (hasP && !IsHexID(p.Value())) || (hasE && !IsHexID(e.Value())) {
		return nil, malformed(evt, "report target is not a hex id")
	}

	// the type rides on the e tag, then the p tag, then a report tag
	for _, candidate := range []string{e.At(2), p.At(2)} {
		if r.Type = strings.TrimSpace(candidate); r.Type != "" {
			break
		}
	}
	if r.Type == "" {
		if t, ok := evt.FirstTag("report"); ok {
			r.Type = strings.TrimSpace(t.Value())
		}
	}
	if r.Type == "" {
		return nil, malformed(evt, "report has no type")
	}
	return r, nil
}

func parseLabel(evt *Event) (*LabelEvent, error) {
	l := &LabelEvent{Raw: evt}

	if ns, ok := evt.FirstTag("L"); ok {
		l.Namespace = ns.Value()
	}

	var values []string
	for _, t := range evt.Tags {
		if t.Key() != "l" || t.Value() == "" {
			continue
		}
		if l.Namespace == "" {
			l.Namespace = t.At(2)
		}
		// values tagged with a different namespace belong to another label set
		if ns := t.At(2); ns != "" && ns != l.Namespace {
			continue
		}
		values = append(values, t.Value())
	}
	if l.Namespace == "" {
		return nil, malformed(evt, "label has no namespace")
	}
	if len(values) == 0 {
		return nil, malformed(evt, "label has no value")
	}

	var targets []string
	for _, t := range evt.Tags {
		if (t.Key() == "e" || t.Key() == "p") && t.Value() != "" {
			if !IsHexID(t.Value()) {
				return nil, malformed(evt, "label target is not a hex id")
			}
			targets = append(targets, t.Value())
		}
	}
	if len(targets) == 0 {
		return nil, malformed(evt, "label has no e or p target")
	}

	for _, target := range targets {
		for _, v := range values {
			l.Labels = append(l.Labels, LabelTarget{TargetID: target, Value: v})
		}
	}
	return l, nil
}

func parseMuteList(evt *Event) *MuteListEvent {
	m := &MuteListEvent{Raw: evt}
	for _, t := range evt.Tags {
		v := strings.TrimSpace(t.Value())
		if v == "" {
			continue
		}
		switch t.Key() {
		// entries that are not hex ids cannot match anything and are skipped
		case "p":
			if IsHexID(v) {
				m.Pubkeys = append(m.Pubkeys, v)
			}
		case "e":
			if IsHexID(v) {
				m.EventIDs = append(m.EventIDs, v)
			}
		case "word":
			m.Keywords = append(m.Keywords, v)
		case "t":
			if v = strings.TrimPrefix(v, "#"); v != "" {
				m.Hashtags = append(m.Hashtags, v)
			}
		}
	}
	return m
}
