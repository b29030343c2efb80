package database

import (
	"context"
	"encoding/json"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
)

const (
	insertEventQuery = `
		INSERT INTO event (event_id, room_id, event_type, state_key, sender, depth, event_json, outlier, soft_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`
	upgradeOutlierQuery = `
		UPDATE event SET outlier=false, soft_failed=$2 WHERE event_id=$1 AND outlier=true
	`
	getEventQuery = `
		SELECT event_id, event_json, outlier, soft_failed FROM event WHERE event_id=$1
	`
	getCreateEventQuery = `
		SELECT event_id, event_json, outlier, soft_failed
		FROM event
		WHERE room_id=$1 AND event_type='m.room.create' AND outlier=false
		ORDER BY event_id
		LIMIT 1
	`
	getOutliersReferencingQuery = `
		SELECT DISTINCT e.event_id, e.event_json, e.outlier, e.soft_failed
		FROM event e
		INNER JOIN event_ref r ON r.event_id = e.event_id
		WHERE r.referenced_id=$1 AND e.outlier=true
		ORDER BY e.event_id
	`
	deleteOutlierQuery = `
		DELETE FROM event WHERE event_id=$1 AND outlier=true
	`
	insertEventRefQuery = `
		INSERT INTO event_ref (event_id, referenced_id, ref_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, referenced_id, ref_type) DO NOTHING
	`
)

type EventQuery struct {
	*dbutil.QueryHelper[*Event]
}

// Event is one row of the event table. The full PDU is stored as JSON;
// the extracted columns exist for indexing and filtering only.
type Event struct {
	ID         id.EventID
	Outlier    bool
	SoftFailed bool
	PDU        *pdu.PDU
}

func newEvent(_ *dbutil.QueryHelper[*Event]) *Event {
	return &Event{}
}

func (e *Event) Scan(row dbutil.Scannable) (*Event, error) {
	var eventJSON []byte
	err := row.Scan(&e.ID, &eventJSON, &e.Outlier, &e.SoftFailed)
	if err != nil {
		return nil, err
	}
	e.PDU = &pdu.PDU{}
	if err = json.Unmarshal(eventJSON, e.PDU); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Event) Stored() *graph.StoredEvent {
	return &graph.StoredEvent{
		PDU:        e.PDU,
		ID:         e.ID,
		Outlier:    e.Outlier,
		SoftFailed: e.SoftFailed,
	}
}

func (e *Event) sqlVariables() ([]any, error) {
	eventJSON, err := json.Marshal(e.PDU)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID, e.PDU.RoomID, e.PDU.Type, e.PDU.StateKey,
		e.PDU.Sender, e.PDU.Depth, string(eventJSON), e.Outlier, e.SoftFailed,
	}, nil
}

// Put inserts the event row and its prev/auth reference edges.
// Inserting an already-known event is a no-op.
func (eq *EventQuery) Put(ctx context.Context, evt *graph.StoredEvent) error {
	row := &Event{ID: evt.ID, Outlier: evt.Outlier, SoftFailed: evt.SoftFailed, PDU: evt.PDU}
	vars, err := row.sqlVariables()
	if err != nil {
		return err
	}
	if err = eq.Exec(ctx, insertEventQuery, vars...); err != nil {
		return err
	}
	for _, prevID := range evt.PrevEvents {
		if err = eq.Exec(ctx, insertEventRefQuery, evt.ID, prevID, "prev"); err != nil {
			return err
		}
	}
	for _, authID := range evt.AuthEvents {
		if err = eq.Exec(ctx, insertEventRefQuery, evt.ID, authID, "auth"); err != nil {
			return err
		}
	}
	return nil
}

// UpgradeOutlier flips a stored outlier into a full graph member.
func (eq *EventQuery) UpgradeOutlier(ctx context.Context, eventID id.EventID, softFailed bool) error {
	return eq.Exec(ctx, upgradeOutlierQuery, eventID, softFailed)
}

func (eq *EventQuery) Get(ctx context.Context, eventID id.EventID) (*Event, error) {
	return eq.QueryOne(ctx, getEventQuery, eventID)
}

func (eq *EventQuery) GetCreate(ctx context.Context, roomID id.RoomID) (*Event, error) {
	return eq.QueryOne(ctx, getCreateEventQuery, roomID)
}

func (eq *EventQuery) GetOutliersReferencing(ctx context.Context, eventID id.EventID) ([]*Event, error) {
	return eq.QueryMany(ctx, getOutliersReferencingQuery, eventID)
}

func (eq *EventQuery) DeleteOutlier(ctx context.Context, eventID id.EventID) error {
	return eq.Exec(ctx, deleteOutlierQuery, eventID)
}
