package pdu

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/tidwall/gjson"
)

// Content keys that survive redaction, per event type. Everything else in
// the content is stripped; signatures and graph-structural fields at the
// top level are always preserved so event IDs and signatures stay valid.
var redactionAllowlist = map[string][]string{
	EventTypeMember:            {"membership", "join_authorised_via_users_server"},
	EventTypeJoinRules:         {"join_rule", "allow"},
	EventTypePowerLevels:       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	EventTypeHistoryVisibility: {"history_visibility"},
	EventTypeRedaction:         {"redacts"},
	EventTypeCreate:            {"creator"},
}

// Redacted returns a copy of the event with all content not required for
// graph integrity stripped, following the room version's redaction rules.
// The original event is not modified.
func (p *PDU) Redacted(ver *RoomVersion) *PDU {
	clone := *p
	clone.Unsigned = nil
	clone.Content = redactContent(ver, p.Type, p.Content)
	return &clone
}

func redactContent(ver *RoomVersion, evtType string, content json.RawMessage) json.RawMessage {
	if evtType == EventTypeCreate && ver.RedactionPreservesCreateContent {
		return content
	}
	allowed, ok := redactionAllowlist[evtType]
	if !ok || len(content) == 0 {
		return json.RawMessage("{}")
	}
	if evtType == EventTypePowerLevels && ver.RedactionPreservesInvite {
		allowed = append(slices.Clone(allowed), "invite")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, key := range allowed {
		value := gjson.GetBytes(content, key)
		if !value.Exists() {
			continue
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(key)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.WriteString(value.Raw)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}
