// Package ingest orchestrates intake of room events, whether locally
// authored or received from federation: signature and hash verification,
// ancestor completeness, state resolution, authorization, persistence,
// extremity updates and admission notifications.
package ingest

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/authrules"
	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
	"go.mau.fi/roomgraph/stateres"
)

// Status classifies the outcome of ingesting one event.
type Status string

const (
	// StatusAdmitted means the event is a full graph member, reflected in
	// extremities and state, and subscribers have been notified.
	StatusAdmitted Status = "admitted"
	// StatusAlreadyKnown means the event was ingested before; re-ingestion
	// is a no-op.
	StatusAlreadyKnown Status = "already_known"
	// StatusOutlier means ancestry is incomplete; the event is stored but
	// excluded from state and extremities until backfill completes.
	StatusOutlier Status = "outlier"
	// StatusSoftFailed means the event failed authorization against the
	// state at its position; it stays in the graph but is never promoted
	// to an extremity or surfaced in the timeline.
	StatusSoftFailed Status = "soft_failed"
)

type Result struct {
	EventID id.EventID
	Status  Status
	// Reason is set for soft-failed events.
	Reason string
}

// Notifier receives exactly one callback per admitted event, in causal
// order: an event is never announced before its locally-known ancestors.
type Notifier interface {
	Notify(ctx context.Context, roomID id.RoomID, eventID id.EventID)
}

// FederationClient fetches events from remote servers for backfill.
// Transport details (retry, backoff, server selection) live behind this
// interface and are not this package's concern.
type FederationClient interface {
	FetchEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*pdu.PDU, error)
	FetchMissingAncestors(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*pdu.PDU, error)
}

// KeySource resolves the ed25519 keys peer servers sign events with.
type KeySource interface {
	GetKey(ctx context.Context, serverName, keyID string) (ed25519.PublicKey, error)
}

// RoomVersionSource maps a room to the rule variant that governs it.
type RoomVersionSource interface {
	RoomVersion(ctx context.Context, roomID id.RoomID) (*pdu.RoomVersion, error)
}

type Config struct {
	Store      graph.Store
	Notifier   Notifier         // optional
	Federation FederationClient // optional; outliers wait passively without it
	Keys       KeySource        // optional; signature checks skipped without it

	Limits             stateres.Limits
	MaxConcurrentRooms int64 // default 64
	BackfillBudget     int   // attempts per outlier, default 3
	StateCacheSize     int   // default 1024
}

// Ingestor is the per-process event intake pipeline. Ingestion for
// different rooms runs concurrently; within one room it is serialized,
// because extremity updates and state resolution do not commute.
type Ingestor struct {
	store      graph.Store
	notifier   Notifier
	federation FederationClient
	keys       KeySource
	limits     stateres.Limits

	sem *semaphore.Weighted

	roomLocksLock sync.Mutex
	roomLocks     map[id.RoomID]*sync.Mutex

	versionsLock sync.RWMutex
	versions     map[id.RoomID]*pdu.RoomVersion

	// Read-through cache of state-after-event snapshots. Entries are
	// immutable (keyed by event ID), so they never need invalidation.
	stateCache *lru.Cache[id.EventID, graph.StateMap]

	// Current resolved state per room, invalidated on every admission
	// that touches the room.
	currentLock  sync.Mutex
	currentState map[id.RoomID]graph.StateMap

	backfill *backfillTracker
}

func New(cfg Config) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.MaxConcurrentRooms <= 0 {
		cfg.MaxConcurrentRooms = 64
	}
	if cfg.StateCacheSize <= 0 {
		cfg.StateCacheSize = 1024
	}
	if cfg.BackfillBudget <= 0 {
		cfg.BackfillBudget = 3
	}
	stateCache, err := lru.New[id.EventID, graph.StateMap](cfg.StateCacheSize)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		federation:   cfg.Federation,
		keys:         cfg.Keys,
		limits:       cfg.Limits,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentRooms),
		roomLocks:    make(map[id.RoomID]*sync.Mutex),
		versions:     make(map[id.RoomID]*pdu.RoomVersion),
		stateCache:   stateCache,
		currentState: make(map[id.RoomID]graph.StateMap),
		backfill:     newBackfillTracker(cfg.BackfillBudget),
	}, nil
}

func (in *Ingestor) roomLock(roomID id.RoomID) *sync.Mutex {
	in.roomLocksLock.Lock()
	defer in.roomLocksLock.Unlock()
	lock, ok := in.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		in.roomLocks[roomID] = lock
	}
	return lock
}

// RoomVersion implements RoomVersionSource using the room's stored
// create event. Unknown rooms default to the current room version so
// that outlier events can still be content-addressed; both supported
// versions share the event ID scheme.
func (in *Ingestor) RoomVersion(ctx context.Context, roomID id.RoomID) (*pdu.RoomVersion, error) {
	in.versionsLock.RLock()
	ver, ok := in.versions[roomID]
	in.versionsLock.RUnlock()
	if ok {
		return ver, nil
	}
	create, err := in.store.GetCreateEvent(ctx, roomID)
	if err != nil {
		if errors.Is(err, graph.ErrEventNotFound) {
			return pdu.DefaultRoomVersion, nil
		}
		return nil, err
	}
	ver, ok = pdu.RoomVersionOf(create.PDU)
	if !ok {
		return nil, fmt.Errorf("room %s has an unsupported room version", roomID)
	}
	in.versionsLock.Lock()
	in.versions[roomID] = ver
	in.versionsLock.Unlock()
	return ver, nil
}

// Ingest runs one event through the admission pipeline. Errors are
// permanent for the event (malformed, bad hash or signature) except
// store I/O failures and resolution overflows, both of which leave no
// partial writes and are safe to retry.
func (in *Ingestor) Ingest(ctx context.Context, evt *pdu.PDU) (*Result, error) {
	if err := evt.Validate(); err != nil {
		eventsRejected.WithLabelValues("malformed").Inc()
		return nil, err
	}
	ver, err := in.eventRoomVersion(ctx, evt)
	if err != nil {
		return nil, err
	}
	if err = in.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer in.sem.Release(1)
	lock := in.roomLock(evt.RoomID)
	lock.Lock()
	defer lock.Unlock()
	return in.ingestLocked(ctx, ver, evt)
}

func (in *Ingestor) eventRoomVersion(ctx context.Context, evt *pdu.PDU) (*pdu.RoomVersion, error) {
	if evt.Type == pdu.EventTypeCreate {
		ver, ok := pdu.RoomVersionOf(evt)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported room version in create event", pdu.ErrMalformedEvent)
		}
		return ver, nil
	}
	return in.RoomVersion(ctx, evt.RoomID)
}

// ingestLocked is the admission state machine. The caller holds the
// room's lock.
func (in *Ingestor) ingestLocked(ctx context.Context, ver *pdu.RoomVersion, evt *pdu.PDU) (*Result, error) {
	eventID, err := evt.EventID(ver)
	if err != nil {
		return nil, err
	}
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", eventID).
		Str("event_type", evt.Type).
		Logger()

	if stored, err := in.store.GetEvent(ctx, eventID); err == nil && !stored.Outlier {
		return &Result{EventID: eventID, Status: StatusAlreadyKnown}, nil
	} else if err != nil && !errors.Is(err, graph.ErrEventNotFound) {
		return nil, err
	}

	if err = in.verifyEvent(ctx, ver, evt); err != nil {
		log.Debug().Err(err).Msg("Rejecting event with invalid hash or signature")
		return nil, err
	}

	// A room has exactly one create event. A second one, even validly
	// signed, is a forged root and never enters the graph.
	if evt.Type == pdu.EventTypeCreate {
		existing, err := in.store.GetCreateEvent(ctx, evt.RoomID)
		if err != nil && !errors.Is(err, graph.ErrEventNotFound) {
			return nil, err
		} else if err == nil && existing.ID != eventID {
			log.Debug().Stringer("existing_create", existing.ID).Msg("Rejecting duplicate create event")
			eventsRejected.WithLabelValues("duplicate_create").Inc()
			return nil, fmt.Errorf("%w: room %s already has a create event", pdu.ErrMalformedEvent, evt.RoomID)
		}
	}

	if err = in.verifyAncestry(ctx, evt); err != nil {
		log.Debug().Err(err).Msg("Rejecting event with cross-room ancestry")
		return nil, err
	}

	missing, err := in.store.MissingAncestors(ctx, evt)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		err = in.store.PutEvent(ctx, &graph.StoredEvent{PDU: evt, ID: eventID, Outlier: true})
		if err != nil {
			return nil, err
		}
		log.Debug().Int("missing_ancestors", len(missing)).Msg("Stored event as outlier, requesting backfill")
		eventsIngested.WithLabelValues(string(StatusOutlier)).Inc()
		in.requestBackfill(ctx, evt.RoomID, eventID)
		return &Result{EventID: eventID, Status: StatusOutlier}, nil
	}

	result, err := in.admit(ctx, ver, evt, eventID, &log)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusAdmitted {
		if err = in.resumeOutliers(ctx, eventID, &log); err != nil {
			log.Warn().Err(err).Msg("Failed to resume outliers waiting on admitted event")
		}
	}
	return result, nil
}

// admit computes the state before the event, authorizes it and persists
// the outcome atomically.
func (in *Ingestor) admit(ctx context.Context, ver *pdu.RoomVersion, evt *pdu.PDU, eventID id.EventID, log *zerolog.Logger) (*Result, error) {
	stateBefore, err := in.stateBeforeEvent(ctx, ver, evt)
	if err != nil {
		return nil, err
	}

	var softFailReason string
	if err = in.authorize(ctx, ver, evt, stateBefore); err != nil {
		var rejected *authrules.RejectedError
		if !errors.As(err, &rejected) {
			eventsRejected.WithLabelValues("malformed").Inc()
			return nil, err
		}
		softFailReason = rejected.Reason
	}

	// An event that passes at its own graph position can still be stale
	// against the room's live state, e.g. a message sent before a ban but
	// delivered after it. Such events stay in the graph but soft-fail.
	if softFailReason == "" && evt.Type != pdu.EventTypeCreate {
		currentState, err := in.CurrentState(ctx, evt.RoomID)
		if err != nil {
			return nil, err
		}
		if err = authrules.Allowed(ver, evt, stateres.NewStateView(ctx, currentState, in.store)); err != nil {
			var rejected *authrules.RejectedError
			if !errors.As(err, &rejected) {
				eventsRejected.WithLabelValues("malformed").Inc()
				return nil, err
			}
			softFailReason = rejected.Reason
		}
	}

	stored := &graph.StoredEvent{PDU: evt, ID: eventID, SoftFailed: softFailReason != ""}
	stateAfter := stateBefore
	if evt.IsState() && !stored.SoftFailed {
		stateAfter = stateBefore.Clone()
		stateAfter[graph.StateKey{Type: evt.Type, StateKey: evt.GetStateKey()}] = eventID
	}
	if err = in.store.AdmitEvent(ctx, stored, stateAfter); err != nil {
		return nil, err
	}
	in.stateCache.Add(eventID, stateAfter)
	in.invalidateCurrentState(evt.RoomID)

	if stored.SoftFailed {
		log.Debug().Str("reason", softFailReason).Msg("Event soft-failed")
		eventsIngested.WithLabelValues(string(StatusSoftFailed)).Inc()
		return &Result{EventID: eventID, Status: StatusSoftFailed, Reason: softFailReason}, nil
	}

	log.Debug().Msg("Event admitted")
	eventsIngested.WithLabelValues(string(StatusAdmitted)).Inc()
	if in.notifier != nil {
		in.notifier.Notify(ctx, evt.RoomID, eventID)
	}
	return &Result{EventID: eventID, Status: StatusAdmitted}, nil
}

// verifyEvent checks the content hash and the origin server's signature.
// Both failures are permanent: the event is not stored.
func (in *Ingestor) verifyEvent(ctx context.Context, ver *pdu.RoomVersion, evt *pdu.PDU) error {
	if err := evt.VerifyContentHash(); err != nil {
		eventsRejected.WithLabelValues("hash_mismatch").Inc()
		return err
	}
	if in.keys == nil {
		return nil
	}
	origin := evt.Sender.Homeserver()
	var lastErr error = fmt.Errorf("%w: event carries no signature from %s", pdu.ErrInvalidSignature, origin)
	for keyID := range evt.Signatures[origin] {
		key, err := in.keys.GetKey(ctx, origin, keyID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s", pdu.ErrInvalidSignature, err)
			continue
		}
		if err = evt.VerifySignature(ver, origin, keyID, key); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	eventsRejected.WithLabelValues("invalid_signature").Inc()
	return lastErr
}

// verifyAncestry rejects events whose locally-known prev_events or
// auth_events belong to a different room. Cross-room references are
// forgeries, not gaps that backfill could fill; letting one through
// would splice another room's state into this room's resolution.
func (in *Ingestor) verifyAncestry(ctx context.Context, evt *pdu.PDU) error {
	refs := append(slices.Clone(evt.PrevEvents), evt.AuthEvents...)
	for _, refID := range sortedUnique(refs) {
		ancestor, err := in.store.GetEvent(ctx, refID)
		if errors.Is(err, graph.ErrEventNotFound) {
			continue
		} else if err != nil {
			return err
		}
		if ancestor.RoomID != evt.RoomID {
			eventsRejected.WithLabelValues("cross_room_reference").Inc()
			return fmt.Errorf("%w: ancestor %s belongs to room %s", pdu.ErrMalformedEvent, refID, ancestor.RoomID)
		}
	}
	return nil
}

// stateBeforeEvent resolves the room state immediately before the event,
// merging predecessor branches when the event joins more than one.
func (in *Ingestor) stateBeforeEvent(ctx context.Context, ver *pdu.RoomVersion, evt *pdu.PDU) (graph.StateMap, error) {
	if evt.Type == pdu.EventTypeCreate {
		return graph.StateMap{}, nil
	}
	branches := make([]graph.StateMap, 0, len(evt.PrevEvents))
	for _, prevID := range sortedUnique(evt.PrevEvents) {
		state, err := in.stateAfter(ctx, prevID)
		if err != nil {
			return nil, fmt.Errorf("failed to get state after %s: %w", prevID, err)
		}
		branches = append(branches, state)
	}
	if len(branches) > 1 {
		stateResolutions.Inc()
	}
	return stateres.Resolve(ctx, ver, branches, in.store, in.limits)
}

func (in *Ingestor) stateAfter(ctx context.Context, eventID id.EventID) (graph.StateMap, error) {
	if state, ok := in.stateCache.Get(eventID); ok {
		return state, nil
	}
	state, err := in.store.GetStateAfter(ctx, eventID)
	if err != nil {
		return nil, err
	}
	in.stateCache.Add(eventID, state)
	return state, nil
}

// authorize evaluates the event against both the state its auth_events
// declare and the resolved state at its graph position. Either rejection
// soft-fails the event. The verdict is recorded once at admission and
// never revisited, even if later state changes would flip it.
func (in *Ingestor) authorize(ctx context.Context, ver *pdu.RoomVersion, evt *pdu.PDU, stateBefore graph.StateMap) error {
	authState, err := in.declaredAuthState(ctx, evt)
	if err != nil {
		return err
	}
	if err = authrules.Allowed(ver, evt, stateres.NewStateView(ctx, authState, in.store)); err != nil {
		return err
	}
	return authrules.Allowed(ver, evt, stateres.NewStateView(ctx, stateBefore, in.store))
}

// declaredAuthState builds a state map from the event's auth_events.
func (in *Ingestor) declaredAuthState(ctx context.Context, evt *pdu.PDU) (graph.StateMap, error) {
	authState := make(graph.StateMap, len(evt.AuthEvents))
	for _, authID := range evt.AuthEvents {
		authEvt, err := in.store.GetEvent(ctx, authID)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth event %s: %w", authID, err)
		}
		if authEvt.IsState() {
			authState[graph.StateKey{Type: authEvt.Type, StateKey: authEvt.GetStateKey()}] = authID
		}
	}
	return authState, nil
}

// resumeOutliers re-evaluates outliers whose ancestry was completed by a
// new admission, using an explicit worklist so adversarially deep chains
// can't exhaust the call stack.
func (in *Ingestor) resumeOutliers(ctx context.Context, admitted id.EventID, log *zerolog.Logger) error {
	worklist := []id.EventID{admitted}
	for len(worklist) > 0 {
		next := worklist[0]
		worklist = worklist[1:]
		outliers, err := in.store.OutliersReferencing(ctx, next)
		if err != nil {
			return err
		}
		for _, outlier := range outliers {
			missing, err := in.store.MissingAncestors(ctx, outlier.PDU)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				continue
			}
			// Ancestors that were unknown when the outlier was stored are
			// known now, so the cross-room check gets a second pass.
			if err = in.verifyAncestry(ctx, outlier.PDU); err != nil {
				log.Warn().Err(err).Stringer("outlier_id", outlier.ID).Msg("Discarding outlier with cross-room ancestry")
				if err = in.store.DeleteOutlier(ctx, outlier.ID); err != nil {
					return err
				}
				continue
			}
			log.Debug().Stringer("outlier_id", outlier.ID).Msg("Resuming outlier with completed ancestry")
			outlierVer, err := in.eventRoomVersion(ctx, outlier.PDU)
			if err != nil {
				log.Warn().Err(err).Stringer("outlier_id", outlier.ID).Msg("Failed to determine outlier room version")
				continue
			}
			result, err := in.admit(ctx, outlierVer, outlier.PDU, outlier.ID, log)
			if err != nil {
				log.Warn().Err(err).Stringer("outlier_id", outlier.ID).Msg("Failed to resume outlier")
				continue
			}
			if result.Status == StatusAdmitted {
				worklist = append(worklist, outlier.ID)
			}
		}
	}
	return nil
}

// CurrentState resolves the room's live state from its forward
// extremities. The result is cached until the next admission for the
// room invalidates it.
func (in *Ingestor) CurrentState(ctx context.Context, roomID id.RoomID) (graph.StateMap, error) {
	in.currentLock.Lock()
	cached, ok := in.currentState[roomID]
	in.currentLock.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	ver, err := in.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	extremities, err := in.store.GetExtremities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	branches := make([]graph.StateMap, 0, len(extremities))
	for _, eventID := range extremities {
		state, err := in.stateAfter(ctx, eventID)
		if err != nil {
			return nil, err
		}
		branches = append(branches, state)
	}
	state, err := stateres.Resolve(ctx, ver, branches, in.store, in.limits)
	if err != nil {
		return nil, err
	}
	in.currentLock.Lock()
	in.currentState[roomID] = state
	in.currentLock.Unlock()
	return state.Clone(), nil
}

func (in *Ingestor) invalidateCurrentState(roomID id.RoomID) {
	in.currentLock.Lock()
	delete(in.currentState, roomID)
	in.currentLock.Unlock()
}

func sortedUnique(ids []id.EventID) []id.EventID {
	out := make([]id.EventID, len(ids))
	copy(out, ids)
	slices.Sort(out)
	return slices.Compact(out)
}
