package ingest

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
)

// Builder authors events on behalf of local users: it picks prev_events
// from the room's current extremities, selects the auth_events the event
// depends on, hashes, signs and hands the result to the ingestion
// pipeline like any federated event.
type Builder struct {
	Ingestor   *Ingestor
	ServerName string
	KeyID      string
	SigningKey ed25519.PrivateKey
}

type BuildRequest struct {
	RoomID   id.RoomID
	Sender   id.UserID
	Type     string
	StateKey *string
	Content  any
}

// CreateRoom authors and admits a room creation event, returning the new
// room's ID.
func (b *Builder) CreateRoom(ctx context.Context, creator id.UserID, ver *pdu.RoomVersion) (id.RoomID, error) {
	if ver == nil {
		ver = pdu.DefaultRoomVersion
	}
	roomID := id.RoomID(fmt.Sprintf("!%s:%s", random.String(18), b.ServerName))
	content := map[string]any{"room_version": ver.ID}
	if !ver.ImplicitRoomCreator {
		content["creator"] = creator
	}
	stateKey := ""
	result, err := b.send(ctx, ver, &BuildRequest{
		RoomID:   roomID,
		Sender:   creator,
		Type:     pdu.EventTypeCreate,
		StateKey: &stateKey,
		Content:  content,
	})
	if err != nil {
		return "", err
	}
	if result.Status != StatusAdmitted {
		return "", fmt.Errorf("create event was not admitted: %s", result.Status)
	}
	return roomID, nil
}

// SendEvent authors and admits one event in an existing room.
func (b *Builder) SendEvent(ctx context.Context, req *BuildRequest) (*Result, error) {
	ver, err := b.Ingestor.RoomVersion(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, ver, req)
}

func (b *Builder) send(ctx context.Context, ver *pdu.RoomVersion, req *BuildRequest) (*Result, error) {
	content, err := json.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event content: %w", err)
	}
	evt := &pdu.PDU{
		RoomID:         req.RoomID,
		Sender:         req.Sender,
		Type:           req.Type,
		StateKey:       req.StateKey,
		Content:        content,
		OriginServerTS: time.Now().UnixMilli(),
		PrevEvents:     []id.EventID{},
		AuthEvents:     []id.EventID{},
	}
	evt.Unsigned, _ = json.Marshal(map[string]any{"txn_id": uuid.NewString()})

	if req.Type != pdu.EventTypeCreate {
		if err = b.fillGraphPosition(ctx, evt); err != nil {
			return nil, err
		}
	}
	if err = evt.FillContentHash(); err != nil {
		return nil, err
	}
	if err = evt.Sign(ver, b.ServerName, b.KeyID, b.SigningKey); err != nil {
		return nil, err
	}
	return b.Ingestor.Ingest(ctx, evt)
}

// fillGraphPosition selects prev_events, depth and auth_events from the
// room's current extremities and resolved state.
func (b *Builder) fillGraphPosition(ctx context.Context, evt *pdu.PDU) error {
	extremities, err := b.Ingestor.store.GetExtremities(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if len(extremities) == 0 {
		return fmt.Errorf("room %s has no forward extremities", evt.RoomID)
	}
	evt.PrevEvents = extremities
	for _, prevID := range extremities {
		prev, err := b.Ingestor.store.GetEvent(ctx, prevID)
		if err != nil {
			return err
		}
		if prev.Depth >= evt.Depth {
			evt.Depth = prev.Depth + 1
		}
	}

	state, err := b.Ingestor.CurrentState(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	authKeys := []graph.StateKey{
		{Type: pdu.EventTypeCreate},
		{Type: pdu.EventTypePowerLevels},
		{Type: pdu.EventTypeMember, StateKey: string(evt.Sender)},
	}
	if evt.Type == pdu.EventTypeMember {
		authKeys = append(authKeys,
			graph.StateKey{Type: pdu.EventTypeJoinRules},
			graph.StateKey{Type: pdu.EventTypeMember, StateKey: evt.GetStateKey()},
		)
	}
	for _, key := range authKeys {
		if eventID, ok := state[key]; ok && !slices.Contains(evt.AuthEvents, eventID) {
			evt.AuthEvents = append(evt.AuthEvents, eventID)
		}
	}
	return nil
}
