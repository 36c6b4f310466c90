package protocol

import (
	"encoding/json"
	"strings"
)

// Call membership content has gone through three incompatible wire formats.
// The shapes below decode all of them; the engine's reconciler decides which
// one a given state event actually carries.

// CallDevice is one device entry under the oldest nested format.
type CallDevice struct {
	DeviceID string `json:"device_id"`
}

// CallEntry is one call object under the oldest nested format.
type CallEntry struct {
	CallID  string       `json:"m.call_id"`
	Devices []CallDevice `json:"m.devices"`
}

// CallsContent is format (a): device lists nested under call objects,
// keyed "m.calls" at the content root.
type CallsContent struct {
	Calls []CallEntry `json:"m.calls"`
}

// CallMembership is one record under the flat legacy format.
type CallMembership struct {
	CallID    string `json:"call_id"`
	DeviceID  string `json:"device_id"`
	ExpiresMS int64  `json:"expires"`
	CreatedTS int64  `json:"created_ts"`
}

// ActiveAt reports whether the membership is unexpired at nowMS. Expiry is
// optional: a record without one never expires. A missing created_ts falls
// back to the carrying event's origin timestamp, which callers pass as
// fallbackTS.
func (m CallMembership) ActiveAt(nowMS, fallbackTS int64) bool {
	if m.ExpiresMS <= 0 {
		return true
	}
	created := m.CreatedTS
	if created == 0 {
		created = fallbackTS
	}
	return created+m.ExpiresMS > nowMS
}

// MembershipsContent is format (b): a flat list of membership records with
// duration-based expiry.
type MembershipsContent struct {
	Memberships []CallMembership `json:"memberships"`
}

// DecodeCalls decodes format (a) content. ok is false when the content does
// not carry the "m.calls" key at all; an empty list still reports ok so the
// format chain can short-circuit on it.
func DecodeCalls(raw json.RawMessage) (CallsContent, bool) {
	var probe struct {
		Calls *[]CallEntry `json:"m.calls"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil || probe.Calls == nil {
		return CallsContent{}, false
	}
	return CallsContent{Calls: *probe.Calls}, true
}

// DecodeMemberships decodes format (b) content, with the same key-presence
// semantics as DecodeCalls.
func DecodeMemberships(raw json.RawMessage) (MembershipsContent, bool) {
	var probe struct {
		Memberships *[]CallMembership `json:"memberships"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil || probe.Memberships == nil {
		return MembershipsContent{}, false
	}
	return MembershipsContent{Memberships: *probe.Memberships}, true
}

// ParseCallStateKey extracts the user ID from a per-device composite state key
// of the form "_<userID>_<deviceID>". The leading underscore is stripped and
// the last underscore-delimited segment (the device ID) is trimmed; user IDs
// may themselves contain underscores. A plain state key (formats a and b key
// events by bare user ID) is returned unchanged.
func ParseCallStateKey(stateKey string) (userID string, ok bool) {
	if stateKey == "" {
		return "", false
	}
	if !strings.HasPrefix(stateKey, "_") {
		return stateKey, true
	}
	rest := stateKey[1:]
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
