// Package graph maintains the per-room event DAG: events, parent edges,
// forward extremities and resolved-state snapshots.
package graph

import (
	"context"
	"errors"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/pdu"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrStateNotFound = errors.New("no stored state for event")
)

// StateKey identifies one state slot in a room.
type StateKey struct {
	Type     string
	StateKey string
}

func (sk StateKey) Compare(other StateKey) int {
	if c := strings.Compare(sk.Type, other.Type); c != 0 {
		return c
	}
	return strings.Compare(sk.StateKey, other.StateKey)
}

// StateMap is resolved room state: each state slot maps to the event
// currently holding it. Always derived by replay, never authored.
type StateMap map[StateKey]id.EventID

func (m StateMap) Clone() StateMap {
	clone := make(StateMap, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// SortedKeys returns the state keys in a deterministic order.
func (m StateMap) SortedKeys() []StateKey {
	keys := make([]StateKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, StateKey.Compare)
	return keys
}

// StoredEvent is an event as persisted in the graph, together with its
// derived ID and classification flags. Outlier and soft-failed are
// distinct and terminal: an outlier has unknown ancestry and takes no
// part in state, a soft-failed event is a full graph member excluded
// from extremity promotion and the live timeline.
type StoredEvent struct {
	*pdu.PDU
	ID         id.EventID
	Outlier    bool
	SoftFailed bool
}

// Store is the persistence boundary for the event graph. Implementations
// must make AdmitEvent atomic: either the event, its state snapshot and
// the extremity update are all visible, or none are.
type Store interface {
	// GetEvent returns a stored event or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID id.EventID) (*StoredEvent, error)
	HasEvent(ctx context.Context, eventID id.EventID) (bool, error)
	// PutEvent inserts an event without touching extremities or state.
	// Inserting an already-known event ID is a no-op, never an error.
	PutEvent(ctx context.Context, evt *StoredEvent) error
	// GetPrevEvents returns the parent edges of a stored event.
	GetPrevEvents(ctx context.Context, eventID id.EventID) ([]id.EventID, error)

	// MissingAncestors lists the prev_events and auth_events of the given
	// event that are either unknown or only known as outliers.
	MissingAncestors(ctx context.Context, evt *pdu.PDU) ([]id.EventID, error)

	GetExtremities(ctx context.Context, roomID id.RoomID) ([]id.EventID, error)
	// UpdateExtremities atomically adds the new leaf to the room's
	// forward extremities and removes its superseded parents, where
	// still present.
	UpdateExtremities(ctx context.Context, roomID id.RoomID, newLeaf id.EventID, superseded []id.EventID) error

	// GetStateAfter returns the resolved state snapshot at the given
	// event (including the event itself if it is a state event), or
	// ErrStateNotFound for outliers and unknown events.
	GetStateAfter(ctx context.Context, eventID id.EventID) (StateMap, error)

	// AdmitEvent persists the event, its resolved state snapshot and,
	// unless the event is soft-failed, the extremity update, in a single
	// atomic step. It clears a previous outlier classification for the
	// same event ID.
	AdmitEvent(ctx context.Context, evt *StoredEvent, stateAfter StateMap) error

	// OutliersReferencing returns stored outliers that list the given
	// event among their prev_events or auth_events.
	OutliersReferencing(ctx context.Context, eventID id.EventID) ([]*StoredEvent, error)

	// DeleteOutlier removes an event stored as an outlier, used when its
	// backfill budget is exhausted and the ancestry is unreachable.
	// Deleting a non-outlier is a no-op.
	DeleteOutlier(ctx context.Context, eventID id.EventID) error

	// GetCreateEvent returns the room's m.room.create event, if known.
	GetCreateEvent(ctx context.Context, roomID id.RoomID) (*StoredEvent, error)
}
