package ingest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
)

// backfillTracker enforces the per-outlier retry budget and remembers the
// extremities each request was anchored to, so a fetch can be abandoned
// once the room has moved past the branch that wanted it. Once the budget
// is exhausted the outlier is discarded as unreachable.
type backfillTracker struct {
	budget   int
	lock     sync.Mutex
	attempts map[id.EventID]int
	anchors  map[id.EventID][]id.EventID
}

func newBackfillTracker(budget int) *backfillTracker {
	return &backfillTracker{
		budget:   budget,
		attempts: make(map[id.EventID]int),
		anchors:  make(map[id.EventID][]id.EventID),
	}
}

// take consumes one attempt and reports whether the budget still allows
// another backfill round for the event.
func (bt *backfillTracker) take(eventID id.EventID, anchor []id.EventID) bool {
	bt.lock.Lock()
	defer bt.lock.Unlock()
	if bt.attempts[eventID] >= bt.budget {
		return false
	}
	bt.attempts[eventID]++
	bt.anchors[eventID] = anchor
	return true
}

func (bt *backfillTracker) anchor(eventID id.EventID) []id.EventID {
	bt.lock.Lock()
	defer bt.lock.Unlock()
	return bt.anchors[eventID]
}

func (bt *backfillTracker) forget(eventID id.EventID) {
	bt.lock.Lock()
	delete(bt.attempts, eventID)
	delete(bt.anchors, eventID)
	bt.lock.Unlock()
}

// requestBackfill asks the federation client for the missing ancestors of
// an outlier. The fetch runs outside the room lock so ingestion never
// blocks on the network; fetched ancestors re-enter through Ingest, which
// resumes the outlier once its ancestry completes.
func (in *Ingestor) requestBackfill(ctx context.Context, roomID id.RoomID, outlierID id.EventID) {
	if in.federation == nil {
		return
	}
	anchor, err := in.store.GetExtremities(ctx, roomID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to get extremities for backfill anchor")
		return
	}
	if !in.backfill.take(outlierID, anchor) {
		in.discardUnreachable(ctx, outlierID)
		return
	}
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", roomID).
		Stringer("outlier_id", outlierID).
		Logger()
	// Detached from the caller's deadline: the admission that triggered
	// the backfill returns immediately, the fetch continues alone.
	fetchCtx := log.WithContext(context.WithoutCancel(ctx))
	go in.backfillOutlier(fetchCtx, roomID, outlierID)
}

func (in *Ingestor) backfillOutlier(ctx context.Context, roomID id.RoomID, outlierID id.EventID) {
	log := zerolog.Ctx(ctx)
	if abandoned, err := in.abandonBackfill(ctx, roomID, outlierID); err != nil {
		log.Warn().Err(err).Msg("Failed to check whether backfill is still wanted")
		return
	} else if abandoned {
		return
	}
	backfillRequests.Inc()
	ancestors, err := in.federation.FetchMissingAncestors(ctx, roomID, outlierID)
	if err != nil {
		log.Warn().Err(err).Msg("Backfill fetch failed")
		return
	}
	// Parents before children: ascending depth keeps most ancestors out
	// of the outlier path entirely.
	slices.SortStableFunc(ancestors, func(a, b *pdu.PDU) int {
		if a.Depth != b.Depth {
			if a.Depth < b.Depth {
				return -1
			}
			return 1
		}
		return 0
	})
	for _, ancestor := range ancestors {
		if _, err := in.Ingest(ctx, ancestor); err != nil {
			log.Warn().Err(err).Msg("Failed to ingest backfilled ancestor")
		}
	}
	in.backfill.forget(outlierID)
}

// abandonBackfill reports whether a pending fetch is pointless: the
// outlier was resumed or discarded in the meantime, or every extremity
// the request was anchored to has been superseded since. Abandonment
// only skips the fetch; the stored outlier can still resume if its
// ancestry completes through another path.
func (in *Ingestor) abandonBackfill(ctx context.Context, roomID id.RoomID, outlierID id.EventID) (bool, error) {
	log := zerolog.Ctx(ctx)
	stored, err := in.store.GetEvent(ctx, outlierID)
	if errors.Is(err, graph.ErrEventNotFound) {
		in.backfill.forget(outlierID)
		return true, nil
	} else if err != nil {
		return false, err
	} else if !stored.Outlier {
		in.backfill.forget(outlierID)
		return true, nil
	}
	anchor := in.backfill.anchor(outlierID)
	if len(anchor) == 0 {
		return false, nil
	}
	current, err := in.store.GetExtremities(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, eventID := range anchor {
		if slices.Contains(current, eventID) {
			return false, nil
		}
	}
	log.Debug().Stringer("outlier_id", outlierID).Msg("Abandoning backfill for superseded branch")
	return true, nil
}

// discardUnreachable drops an outlier whose backfill budget ran out.
// Store mutations are all-or-nothing per event, so abandonment never
// leaves the graph half-updated.
func (in *Ingestor) discardUnreachable(ctx context.Context, outlierID id.EventID) {
	log := zerolog.Ctx(ctx)
	if err := in.store.DeleteOutlier(ctx, outlierID); err != nil {
		log.Warn().Err(err).Stringer("outlier_id", outlierID).Msg("Failed to discard unreachable outlier")
		return
	}
	in.backfill.forget(outlierID)
	log.Warn().Stringer("outlier_id", outlierID).Msg("Discarded outlier with unreachable ancestry")
}
