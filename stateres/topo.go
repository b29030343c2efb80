package stateres

import (
	"context"
	"slices"

	"maunium.net/go/mautrix/id"
)

// ancestorsAmong finds which other conflict candidates are ancestors of
// each candidate, by an iterative worklist walk over prev_events. The
// walk is bounded by visit count so an adversarial graph can't make a
// single resolution unbounded; events past the bound simply count as
// unrelated and fall back to the tie-break order.
func ancestorsAmong(ctx context.Context, candidates []*candidate, source EventSource, maxVisits int) map[id.EventID][]id.EventID {
	candidateSet := make(map[id.EventID]struct{}, len(candidates))
	for _, cand := range candidates {
		candidateSet[cand.id] = struct{}{}
	}

	ancestors := make(map[id.EventID][]id.EventID, len(candidates))
	for _, cand := range candidates {
		visited := map[id.EventID]struct{}{cand.id: {}}
		queue := slices.Clone(cand.event.PrevEvents)
		for len(queue) > 0 && len(visited) < maxVisits && ctx.Err() == nil {
			next := queue[0]
			queue = queue[1:]
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			if _, isCandidate := candidateSet[next]; isCandidate && next != cand.id {
				ancestors[cand.id] = append(ancestors[cand.id], next)
			}
			evt, err := source.GetEvent(ctx, next)
			if err != nil {
				continue
			}
			queue = append(queue, evt.PrevEvents...)
		}
		slices.Sort(ancestors[cand.id])
	}
	return ancestors
}

const defaultMaxAncestryVisits = 10000

func (l Limits) maxAncestryVisits() int {
	if l.MaxAncestryVisits > 0 {
		return l.MaxAncestryVisits
	}
	return defaultMaxAncestryVisits
}

// sortCausally orders conflict candidates ancestors-first. Candidates
// with no ancestry relation fall back to candidateOrder, so the result
// is a reproducible total order.
func sortCausally(ctx context.Context, candidates []*candidate, source EventSource, limits Limits) []*candidate {
	if len(candidates) < 2 {
		return candidates
	}
	ancestors := ancestorsAmong(ctx, candidates, source, limits.maxAncestryVisits())

	byID := make(map[id.EventID]*candidate, len(candidates))
	remaining := make(map[id.EventID]int, len(candidates))
	for _, cand := range candidates {
		byID[cand.id] = cand
		remaining[cand.id] = len(ancestors[cand.id])
	}

	ordered := make([]*candidate, 0, len(candidates))
	for len(remaining) > 0 {
		var ready *candidate
		for eventID, pending := range remaining {
			if pending != 0 {
				continue
			}
			if ready == nil || candidateOrder(byID[eventID], ready) < 0 {
				ready = byID[eventID]
			}
		}
		if ready == nil {
			// Only possible when a malicious peer fakes cyclic ancestry;
			// fall back to the tie-break order for the leftovers.
			for eventID := range remaining {
				if ready == nil || candidateOrder(byID[eventID], ready) < 0 {
					ready = byID[eventID]
				}
			}
		}
		ordered = append(ordered, ready)
		delete(remaining, ready.id)
		for eventID := range remaining {
			if slices.Contains(ancestors[eventID], ready.id) {
				remaining[eventID]--
			}
		}
	}
	return ordered
}
