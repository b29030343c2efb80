package database

import (
	"context"
	"slices"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
)

const (
	getExtremitiesQuery = `
		SELECT event_id FROM room_extremity WHERE room_id=$1 ORDER BY event_id
	`
	insertExtremityQuery = `
		INSERT INTO room_extremity (room_id, event_id) VALUES ($1, $2)
		ON CONFLICT (room_id, event_id) DO NOTHING
	`
	deleteExtremityQuery = `
		DELETE FROM room_extremity WHERE room_id=$1 AND event_id=$2
	`
	getStateAfterQuery = `
		SELECT state_type, state_key, holder_id FROM event_state WHERE event_id=$1
	`
	insertStateRowQuery = `
		INSERT INTO event_state (event_id, state_type, state_key, holder_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, state_type, state_key) DO UPDATE SET holder_id=excluded.holder_id
	`
	hasStateQuery = `
		SELECT EXISTS(SELECT 1 FROM event_state WHERE event_id=$1)
	`
)

var _ graph.Store = (*Database)(nil)

func (db *Database) GetEvent(ctx context.Context, eventID id.EventID) (*graph.StoredEvent, error) {
	evt, err := db.Event.Get(ctx, eventID)
	if err != nil {
		return nil, err
	} else if evt == nil {
		return nil, graph.ErrEventNotFound
	}
	return evt.Stored(), nil
}

func (db *Database) HasEvent(ctx context.Context, eventID id.EventID) (bool, error) {
	evt, err := db.Event.Get(ctx, eventID)
	if err != nil {
		return false, err
	}
	return evt != nil, nil
}

func (db *Database) PutEvent(ctx context.Context, evt *graph.StoredEvent) error {
	return db.Event.Put(ctx, evt)
}

func (db *Database) GetPrevEvents(ctx context.Context, eventID id.EventID) ([]id.EventID, error) {
	evt, err := db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(evt.PrevEvents), nil
}

func (db *Database) MissingAncestors(ctx context.Context, evt *pdu.PDU) ([]id.EventID, error) {
	var missing []id.EventID
	seen := make(map[id.EventID]struct{})
	for _, ancestorID := range append(slices.Clone(evt.PrevEvents), evt.AuthEvents...) {
		if _, dup := seen[ancestorID]; dup {
			continue
		}
		seen[ancestorID] = struct{}{}
		ancestor, err := db.Event.Get(ctx, ancestorID)
		if err != nil {
			return nil, err
		}
		if ancestor == nil || ancestor.Outlier {
			missing = append(missing, ancestorID)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

func (db *Database) GetExtremities(ctx context.Context, roomID id.RoomID) ([]id.EventID, error) {
	rows, err := db.Query(ctx, getExtremitiesQuery, roomID)
	if err != nil {
		return nil, err
	}
	return scanEventIDs(rows)
}

func (db *Database) UpdateExtremities(ctx context.Context, roomID id.RoomID, newLeaf id.EventID, superseded []id.EventID) error {
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return db.updateExtremitiesInTxn(ctx, roomID, newLeaf, superseded)
	})
}

func (db *Database) updateExtremitiesInTxn(ctx context.Context, roomID id.RoomID, newLeaf id.EventID, superseded []id.EventID) error {
	for _, parent := range superseded {
		if _, err := db.Exec(ctx, deleteExtremityQuery, roomID, parent); err != nil {
			return err
		}
	}
	_, err := db.Exec(ctx, insertExtremityQuery, roomID, newLeaf)
	return err
}

func (db *Database) GetStateAfter(ctx context.Context, eventID id.EventID) (graph.StateMap, error) {
	var hasState bool
	err := db.QueryRow(ctx, hasStateQuery, eventID).Scan(&hasState)
	if err != nil {
		return nil, err
	} else if !hasState {
		return nil, graph.ErrStateNotFound
	}
	rows, err := db.Query(ctx, getStateAfterQuery, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	state := make(graph.StateMap)
	for rows.Next() {
		var stateType, stateKey string
		var holderID id.EventID
		if err = rows.Scan(&stateType, &stateKey, &holderID); err != nil {
			return nil, err
		}
		state[graph.StateKey{Type: stateType, StateKey: stateKey}] = holderID
	}
	return state, rows.Err()
}

// AdmitEvent writes the event, its state snapshot and the extremity
// update in one transaction, so a failure at any point leaves nothing
// behind.
func (db *Database) AdmitEvent(ctx context.Context, evt *graph.StoredEvent, stateAfter graph.StateMap) error {
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		existing, err := db.Event.Get(ctx, evt.ID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Outlier {
			return nil
		}
		if err = db.Event.Put(ctx, evt); err != nil {
			return err
		}
		if existing != nil {
			if err = db.Event.UpgradeOutlier(ctx, evt.ID, evt.SoftFailed); err != nil {
				return err
			}
		}
		for _, key := range stateAfter.SortedKeys() {
			_, err = db.Exec(ctx, insertStateRowQuery, evt.ID, key.Type, key.StateKey, stateAfter[key])
			if err != nil {
				return err
			}
		}
		if evt.SoftFailed {
			return nil
		}
		return db.updateExtremitiesInTxn(ctx, evt.RoomID, evt.ID, evt.PrevEvents)
	})
}

func (db *Database) OutliersReferencing(ctx context.Context, eventID id.EventID) ([]*graph.StoredEvent, error) {
	events, err := db.Event.GetOutliersReferencing(ctx, eventID)
	if err != nil {
		return nil, err
	}
	stored := make([]*graph.StoredEvent, len(events))
	for i, evt := range events {
		stored[i] = evt.Stored()
	}
	return stored, nil
}

func (db *Database) DeleteOutlier(ctx context.Context, eventID id.EventID) error {
	return db.Event.DeleteOutlier(ctx, eventID)
}

func (db *Database) GetCreateEvent(ctx context.Context, roomID id.RoomID) (*graph.StoredEvent, error) {
	evt, err := db.Event.GetCreate(ctx, roomID)
	if err != nil {
		return nil, err
	} else if evt == nil {
		return nil, graph.ErrEventNotFound
	}
	return evt.Stored(), nil
}

func scanEventIDs(rows dbutil.Rows) ([]id.EventID, error) {
	defer rows.Close()
	var ids []id.EventID
	for rows.Next() {
		var eventID id.EventID
		if err := rows.Scan(&eventID); err != nil {
			return nil, err
		}
		ids = append(ids, eventID)
	}
	return ids, rows.Err()
}
