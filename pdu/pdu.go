// Package pdu implements the signed, content-addressed room event format
// exchanged between federated servers, including canonical serialization,
// content hashing, reference hashes (event IDs) and redaction.
package pdu

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/util"
)

// ErrMalformedEvent is returned when an event is structurally invalid.
// It is a permanent rejection: the same bytes will never become valid.
var ErrMalformedEvent = errors.New("malformed event")

type Hashes struct {
	SHA256 string `json:"sha256,omitempty"`
}

// PDU is a single room event as sent over federation. Events are immutable
// once created: the event ID is a hash of the canonical form, so mutating
// any field invalidates the event.
type PDU struct {
	AuthEvents     []id.EventID                 `json:"auth_events"`
	Content        json.RawMessage              `json:"content"`
	Depth          int64                        `json:"depth"`
	Hashes         Hashes                       `json:"hashes,omitzero"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	PrevEvents     []id.EventID                 `json:"prev_events"`
	RoomID         id.RoomID                    `json:"room_id"`
	Sender         id.UserID                    `json:"sender"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Type           string                       `json:"type"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// IsState reports whether the event claims a state slot.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// GetStateKey returns the state key, or an empty string for timeline events.
func (p *PDU) GetStateKey() string {
	if p.StateKey != nil {
		return *p.StateKey
	}
	return ""
}

// Validate checks the structural requirements that hold for every room
// version. Violations are permanent (ErrMalformedEvent).
func (p *PDU) Validate() error {
	switch {
	case p.RoomID == "":
		return fmt.Errorf("%w: missing room_id", ErrMalformedEvent)
	case p.Sender == "":
		return fmt.Errorf("%w: missing sender", ErrMalformedEvent)
	case p.Sender.Homeserver() == "":
		return fmt.Errorf("%w: sender has no server name", ErrMalformedEvent)
	case p.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	case p.Content == nil:
		return fmt.Errorf("%w: missing content", ErrMalformedEvent)
	case !json.Valid(p.Content):
		return fmt.Errorf("%w: content is not valid JSON", ErrMalformedEvent)
	case p.Depth < 0:
		return fmt.Errorf("%w: negative depth", ErrMalformedEvent)
	}
	if p.Type == EventTypeCreate {
		if len(p.PrevEvents) != 0 {
			return fmt.Errorf("%w: create event has prev_events", ErrMalformedEvent)
		}
		if p.StateKey == nil || *p.StateKey != "" {
			return fmt.Errorf("%w: create event must have an empty state key", ErrMalformedEvent)
		}
	} else if len(p.PrevEvents) == 0 {
		return fmt.Errorf("%w: non-create event has no prev_events", ErrMalformedEvent)
	}
	return nil
}

// CanonicalJSON marshals the event and normalizes it into the canonical
// form used for hashing and signing: sorted keys, minimal encoding.
func (p *PDU) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}
	return canonicaljson.CanonicalJSON(raw)
}

// ContentHash computes the sha256 content hash: the canonical form with
// signatures, unsigned and the hashes themselves removed.
func (p *PDU) ContentHash() ([sha256.Size]byte, error) {
	clone := *p
	clone.Signatures = nil
	clone.Unsigned = nil
	clone.Hashes = Hashes{}
	canonical, err := clone.CanonicalJSON()
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// VerifyContentHash recomputes the content hash and compares it to the
// hash the event carries. A mismatch is a permanent rejection.
func (p *PDU) VerifyContentHash() error {
	actual, err := p.ContentHash()
	if err != nil {
		return err
	}
	claimed, ok := util.DecodeBase64Hash(p.Hashes.SHA256)
	if !ok {
		return fmt.Errorf("%w: invalid sha256 content hash encoding", ErrMalformedEvent)
	}
	if *claimed != actual {
		return ErrHashMismatch
	}
	return nil
}

// FillContentHash computes and stores the content hash. Used when
// authoring events locally, before signing.
func (p *PDU) FillContentHash() error {
	hash, err := p.ContentHash()
	if err != nil {
		return err
	}
	p.Hashes.SHA256 = util.EncodeUnpaddedBase64(hash[:])
	return nil
}

// referenceHash is the hash the event ID is derived from: sha256 over the
// canonical form of the redacted event without signatures or unsigned.
func (p *PDU) referenceHash(ver *RoomVersion) ([sha256.Size]byte, error) {
	redacted := p.Redacted(ver)
	redacted.Signatures = nil
	redacted.Unsigned = nil
	canonical, err := redacted.CanonicalJSON()
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// EventID derives the event's ID from its canonical bytes. The ID is never
// stored in the event itself: recomputing it must reproduce it exactly.
func (p *PDU) EventID(ver *RoomVersion) (id.EventID, error) {
	hash, err := p.referenceHash(ver)
	if err != nil {
		return "", err
	}
	return id.EventID("$" + ver.EventIDEncoding.EncodeToString(hash[:])), nil
}
