package graph

import (
	"context"
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/pdu"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// embedded use; the database package provides the durable equivalent.
type MemoryStore struct {
	lock        sync.RWMutex
	events      map[id.EventID]*StoredEvent
	states      map[id.EventID]StateMap
	extremities map[id.RoomID]map[id.EventID]struct{}
	creates     map[id.RoomID]id.EventID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[id.EventID]*StoredEvent),
		states:      make(map[id.EventID]StateMap),
		extremities: make(map[id.RoomID]map[id.EventID]struct{}),
		creates:     make(map[id.RoomID]id.EventID),
	}
}

func (ms *MemoryStore) GetEvent(_ context.Context, eventID id.EventID) (*StoredEvent, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	evt, ok := ms.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return evt, nil
}

func (ms *MemoryStore) HasEvent(_ context.Context, eventID id.EventID) (bool, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	_, ok := ms.events[eventID]
	return ok, nil
}

func (ms *MemoryStore) PutEvent(_ context.Context, evt *StoredEvent) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.putEventLocked(evt)
	return nil
}

func (ms *MemoryStore) putEventLocked(evt *StoredEvent) {
	if existing, ok := ms.events[evt.ID]; ok {
		// Idempotent insert, but an outlier may be upgraded to a full
		// graph member once its ancestry resolves.
		if existing.Outlier && !evt.Outlier {
			ms.events[evt.ID] = evt
		}
		return
	}
	ms.events[evt.ID] = evt
	if evt.Type == pdu.EventTypeCreate {
		if _, ok := ms.creates[evt.RoomID]; !ok {
			ms.creates[evt.RoomID] = evt.ID
		}
	}
}

func (ms *MemoryStore) GetPrevEvents(_ context.Context, eventID id.EventID) ([]id.EventID, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	evt, ok := ms.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return slices.Clone(evt.PrevEvents), nil
}

func (ms *MemoryStore) MissingAncestors(_ context.Context, evt *pdu.PDU) ([]id.EventID, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	var missing []id.EventID
	seen := make(map[id.EventID]struct{})
	for _, ancestorID := range append(slices.Clone(evt.PrevEvents), evt.AuthEvents...) {
		if _, dup := seen[ancestorID]; dup {
			continue
		}
		seen[ancestorID] = struct{}{}
		stored, ok := ms.events[ancestorID]
		if !ok || stored.Outlier {
			missing = append(missing, ancestorID)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

func (ms *MemoryStore) GetExtremities(_ context.Context, roomID id.RoomID) ([]id.EventID, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	extremities := make([]id.EventID, 0, len(ms.extremities[roomID]))
	for eventID := range ms.extremities[roomID] {
		extremities = append(extremities, eventID)
	}
	slices.Sort(extremities)
	return extremities, nil
}

func (ms *MemoryStore) UpdateExtremities(_ context.Context, roomID id.RoomID, newLeaf id.EventID, superseded []id.EventID) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.updateExtremitiesLocked(roomID, newLeaf, superseded)
	return nil
}

func (ms *MemoryStore) updateExtremitiesLocked(roomID id.RoomID, newLeaf id.EventID, superseded []id.EventID) {
	set, ok := ms.extremities[roomID]
	if !ok {
		set = make(map[id.EventID]struct{})
		ms.extremities[roomID] = set
	}
	for _, parent := range superseded {
		delete(set, parent)
	}
	set[newLeaf] = struct{}{}
}

func (ms *MemoryStore) GetStateAfter(_ context.Context, eventID id.EventID) (StateMap, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	state, ok := ms.states[eventID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return state.Clone(), nil
}

func (ms *MemoryStore) AdmitEvent(_ context.Context, evt *StoredEvent, stateAfter StateMap) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if existing, ok := ms.events[evt.ID]; ok && !existing.Outlier {
		return nil
	}
	ms.putEventLocked(evt)
	ms.events[evt.ID] = evt
	ms.states[evt.ID] = stateAfter.Clone()
	if !evt.SoftFailed {
		ms.updateExtremitiesLocked(evt.RoomID, evt.ID, evt.PrevEvents)
	}
	return nil
}

func (ms *MemoryStore) OutliersReferencing(_ context.Context, eventID id.EventID) ([]*StoredEvent, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	var result []*StoredEvent
	for _, evt := range ms.events {
		if !evt.Outlier {
			continue
		}
		if slices.Contains(evt.PrevEvents, eventID) || slices.Contains(evt.AuthEvents, eventID) {
			result = append(result, evt)
		}
	}
	slices.SortFunc(result, func(a, b *StoredEvent) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return result, nil
}

func (ms *MemoryStore) DeleteOutlier(_ context.Context, eventID id.EventID) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if evt, ok := ms.events[eventID]; ok && evt.Outlier {
		delete(ms.events, eventID)
	}
	return nil
}

func (ms *MemoryStore) GetCreateEvent(_ context.Context, roomID id.RoomID) (*StoredEvent, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	createID, ok := ms.creates[roomID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ms.events[createID], nil
}
