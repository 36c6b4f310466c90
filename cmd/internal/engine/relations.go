package engine

import (
	"concord/cmd/internal/protocol"
)

// RelationIndex is the per-room index from a target event ID to the
// annotation, replacement, and thread-reply events referencing it.
//
// Invariants:
//   - Only the latest-by-arrival replacement is authoritative for a target.
//   - Annotations are deduplicated by (key, sender): a sender holds at most
//     one annotation per key per target; the first event wins.
//   - Events referencing an unknown target are indexed speculatively so the
//     relation resolves correctly if the target arrives later.
type RelationIndex struct {
	targets byTarget
	// byAnnotation maps annotation-event-ID -> its placement so a redaction of
	// the annotation event itself can be reversed.
	byAnnotation map[string]annotationRef
	redacted     map[string]struct{}
}

type byTarget map[string]*relTarget

type relTarget struct {
	replacements []*protocol.Event
	// annotation keys in first-seen order; ties in reaction display order are
	// broken by arrival, not alphabetically.
	keyOrder    []string
	annotations map[string]*annotationSet
	threads     []*protocol.Event
}

type annotationSet struct {
	senders  []annotationEntry
	bySender map[string]struct{}
}

type annotationEntry struct {
	eventID string
	sender  string
}

type annotationRef struct {
	target string
	key    string
	sender string
}

// Delta reports which target event IDs changed so the message projector can be
// invoked only for affected messages.
type Delta struct {
	Changed []string
}

// NewRelationIndex constructs an empty index.
func NewRelationIndex() *RelationIndex {
	return &RelationIndex{
		targets:      make(byTarget),
		byAnnotation: make(map[string]annotationRef),
		redacted:     make(map[string]struct{}),
	}
}

func (ri *RelationIndex) target(id string) *relTarget {
	t := ri.targets[id]
	if t == nil {
		t = &relTarget{annotations: make(map[string]*annotationSet)}
		ri.targets[id] = t
	}
	return t
}

// Apply classifies an event by its relation descriptor and indexes it.
// Events with no relation descriptor produce an empty delta.
func (ri *RelationIndex) Apply(evt *protocol.Event) Delta {
	rel, ok := protocol.Relation(evt)
	if !ok {
		return Delta{}
	}

	t := ri.target(rel.EventID)

	switch rel.RelType {
	case protocol.RelReplace:
		t.replacements = append(t.replacements, evt)
		return Delta{Changed: []string{rel.EventID}}

	case protocol.RelAnnotation:
		set := t.annotations[rel.Key]
		if set == nil {
			set = &annotationSet{bySender: make(map[string]struct{})}
			t.annotations[rel.Key] = set
			t.keyOrder = append(t.keyOrder, rel.Key)
		}
		if _, dup := set.bySender[evt.Sender]; dup {
			// Same (key, sender) sent twice under different event IDs: keep
			// the first, remember the later event only so redacting it stays
			// a no-op rather than dropping the kept annotation.
			ri.byAnnotation[evt.ID] = annotationRef{}
			return Delta{}
		}
		set.bySender[evt.Sender] = struct{}{}
		set.senders = append(set.senders, annotationEntry{eventID: evt.ID, sender: evt.Sender})
		ri.byAnnotation[evt.ID] = annotationRef{target: rel.EventID, key: rel.Key, sender: evt.Sender}
		return Delta{Changed: []string{rel.EventID}}

	case protocol.RelThread:
		t.threads = append(t.threads, evt)
		return Delta{Changed: []string{rel.EventID}}
	}

	return Delta{}
}

// Redact applies an m.room.redaction event. If the redacted event is an
// indexed annotation, the corresponding (key, sender) membership is removed
// from its target; otherwise the target itself is marked redacted.
func (ri *RelationIndex) Redact(evt *protocol.Event) Delta {
	id := evt.Redacts
	if id == "" {
		return Delta{}
	}

	if ref, ok := ri.byAnnotation[id]; ok {
		delete(ri.byAnnotation, id)
		if ref.target == "" {
			// Redaction of a deduplicated duplicate: kept annotation stands.
			return Delta{}
		}
		if t := ri.targets[ref.target]; t != nil {
			if set := t.annotations[ref.key]; set != nil {
				delete(set.bySender, ref.sender)
				kept := set.senders[:0]
				for _, e := range set.senders {
					if e.sender != ref.sender {
						kept = append(kept, e)
					}
				}
				set.senders = kept
			}
		}
		return Delta{Changed: []string{ref.target}}
	}

	ri.redacted[id] = struct{}{}
	return Delta{Changed: []string{id}}
}

// IsRedacted reports whether an event has been redacted.
func (ri *RelationIndex) IsRedacted(eventID string) bool {
	_, ok := ri.redacted[eventID]
	return ok
}

// LatestReplacement returns the most recently arrived replacement for a
// target, or nil.
func (ri *RelationIndex) LatestReplacement(targetID string) *protocol.Event {
	t := ri.targets[targetID]
	if t == nil || len(t.replacements) == 0 {
		return nil
	}
	return t.replacements[len(t.replacements)-1]
}

// Reactions summarizes a target's annotations, one entry per distinct key in
// first-seen key order.
func (ri *RelationIndex) Reactions(targetID string) []ReactionSummary {
	t := ri.targets[targetID]
	if t == nil {
		return nil
	}
	var out []ReactionSummary
	for _, key := range t.keyOrder {
		set := t.annotations[key]
		if set == nil || len(set.senders) == 0 {
			continue
		}
		senders := make([]string, 0, len(set.senders))
		for _, e := range set.senders {
			senders = append(senders, e.sender)
		}
		out = append(out, ReactionSummary{Key: key, Count: len(senders), Senders: senders})
	}
	return out
}

// Thread summarizes thread replies targeting a root, or nil when the target
// has none.
func (ri *RelationIndex) Thread(targetID string) *ThreadSummary {
	t := ri.targets[targetID]
	if t == nil || len(t.threads) == 0 {
		return nil
	}
	var last int64
	for _, reply := range t.threads {
		if reply.Timestamp > last {
			last = reply.Timestamp
		}
	}
	return &ThreadSummary{ReplyCount: len(t.threads), LastReplyTS: last}
}
