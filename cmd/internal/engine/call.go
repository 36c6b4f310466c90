package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"concord/cmd/internal/protocol"
)

// callParse is one try-parse step for a historical call-membership format.
// It reports (matched, active): matched means the event carries this format,
// active means the parsed membership is live at nowMS. The chain short-circuits
// on the first match, keeping the three formats isolated and independently
// testable instead of interleaved in one conditional.
type callParse func(evt *protocol.Event, nowMS int64) (matched, active bool)

var callParsers = []callParse{
	parseNestedCalls,     // (a) device lists nested under call objects
	parseFlatMemberships, // (b) flat records with created_ts + expires
	parsePerDeviceKey,    // (c) per-device state key, active by presence
}

// parseNestedCalls handles format (a): an "m.calls" list of call objects each
// nesting an "m.devices" list. Active when any call has a device.
func parseNestedCalls(evt *protocol.Event, _ int64) (bool, bool) {
	content, ok := protocol.DecodeCalls(evt.Content)
	if !ok {
		return false, false
	}
	for _, call := range content.Calls {
		if len(call.Devices) > 0 {
			return true, true
		}
	}
	return true, false
}

// parseFlatMemberships handles format (b): a "memberships" list with
// duration-based expiry. Active when any record is unexpired at nowMS;
// expiry is wall-clock, so results must be recomputed on every scan.
func parseFlatMemberships(evt *protocol.Event, nowMS int64) (bool, bool) {
	content, ok := protocol.DecodeMemberships(evt.Content)
	if !ok {
		return false, false
	}
	for _, m := range content.Memberships {
		if m.ActiveAt(nowMS, evt.Timestamp) {
			return true, true
		}
	}
	return true, false
}

// parsePerDeviceKey handles format (c): a per-device state-keyed record,
// active simply by having non-empty content. Only composite ("_user_device")
// state keys carry this format.
func parsePerDeviceKey(evt *protocol.Event, _ int64) (bool, bool) {
	if !strings.HasPrefix(evt.GetStateKey(), "_") {
		return false, false
	}
	return true, nonEmptyContent(evt.Content)
}

func nonEmptyContent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "{}", "null":
		return false
	}
	return true
}

// ReconcileCallMembers scans a room's call-membership state events, which may
// mix three mutually incompatible historical encodings, and produces a single
// normalized participant list.
//
// A user is active if any of their device-keyed events resolves active;
// additional devices for the same user are not modeled as separate
// participants. Output order is first-seen user order. The result is never
// cached: format (b) expiry depends on nowMS, which advances independently of
// events arriving.
func ReconcileCallMembers(stateEvents []*protocol.Event, res Resolver, nowMS int64) []CallParticipant {
	order := make([]string, 0, len(stateEvents))
	active := make(map[string]bool, len(stateEvents))

	for _, evt := range stateEvents {
		if evt == nil || !evt.IsState() {
			continue
		}
		userID, ok := protocol.ParseCallStateKey(evt.GetStateKey())
		if !ok {
			continue
		}
		if _, seen := active[userID]; !seen {
			active[userID] = false
			order = append(order, userID)
		}
		for _, try := range callParsers {
			matched, isActive := try(evt, nowMS)
			if !matched {
				continue
			}
			if isActive {
				active[userID] = true
			}
			break
		}
	}

	var out []CallParticipant
	for _, userID := range order {
		if !active[userID] {
			continue
		}
		profile := res.Profile(userID)
		name := profile.DisplayName
		if name == "" {
			name = userID
		}
		out = append(out, CallParticipant{
			UserID:      userID,
			DisplayName: name,
			AvatarURL:   profile.AvatarURL,
		})
	}
	return out
}
