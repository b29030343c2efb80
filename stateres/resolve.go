// Package stateres computes the canonical merged room state at a branch
// point in the event graph. Given the same room version, events and
// branches, the output is bit-identical across runs and across
// independent server instances; every ordering in this package is
// explicitly deterministic and never depends on map iteration order.
package stateres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/authrules"
	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
)

// ErrResolutionOverflow means the conflict set exceeded the configured
// bounds. The failure is recoverable: the room is temporarily unavailable
// for new admissions, but no partial state has been written.
var ErrResolutionOverflow = errors.New("state resolution conflict set too large")

// EventSource provides the events referenced by the branches being
// merged. graph.Store satisfies it.
type EventSource interface {
	GetEvent(ctx context.Context, eventID id.EventID) (*graph.StoredEvent, error)
}

// Limits bounds resolution work against adversarially large conflict
// sets. Zero values select the defaults.
type Limits struct {
	MaxConflictedEvents int
	MaxAncestryVisits   int
}

const defaultMaxConflictedEvents = 10000

func (l Limits) maxConflictedEvents() int {
	if l.MaxConflictedEvents > 0 {
		return l.MaxConflictedEvents
	}
	return defaultMaxConflictedEvents
}

// IsPowerEvent reports whether a state event type can alter authorization
// outcomes. Power events are replayed before ordinary state during
// resolution.
func IsPowerEvent(evtType string) bool {
	switch evtType {
	case pdu.EventTypeCreate, pdu.EventTypeMember, pdu.EventTypePowerLevels, pdu.EventTypeJoinRules:
		return true
	default:
		return false
	}
}

// candidate is one competing event for a conflicted state slot.
type candidate struct {
	key   graph.StateKey
	id    id.EventID
	event *graph.StoredEvent
}

// candidateOrder is the deterministic total order for incomparable
// conflict candidates: ascending depth, then descending event ID
// (lexicographic on the hash). Replay applies candidates in this order
// with the last accepted one winning the slot, so a depth tie resolves
// to the lexicographically smallest event ID. Depths are
// attacker-influenceable, so this is strictly a tie-break, never a
// trust signal.
func candidateOrder(a, b *candidate) int {
	if a.event.Depth != b.event.Depth {
		if a.event.Depth < b.event.Depth {
			return -1
		}
		return 1
	}
	return strings.Compare(string(b.id), string(a.id))
}

// Resolve merges the state maps of divergent branches into the single
// canonical state. Entries agreed by every branch pass through untouched;
// conflicted slots are re-decided by replaying the competing events
// through the authorization rules in a deterministic order, power events
// first. A slot whose every candidate is rejected (or cannot be
// evaluated) resolves to no state rather than failing the whole merge.
func Resolve(ctx context.Context, ver *pdu.RoomVersion, branches []graph.StateMap, source EventSource, limits Limits) (graph.StateMap, error) {
	switch len(branches) {
	case 0:
		return graph.StateMap{}, nil
	case 1:
		return branches[0].Clone(), nil
	}

	unconflicted, conflicts := splitConflicts(branches)
	if len(conflicts) == 0 {
		return unconflicted, nil
	}

	candidates, err := loadCandidates(ctx, conflicts, source, limits)
	if err != nil {
		return nil, err
	}

	var power, ordinary []*candidate
	for _, cand := range candidates {
		if IsPowerEvent(cand.key.Type) {
			power = append(power, cand)
		} else {
			ordinary = append(ordinary, cand)
		}
	}
	power = sortCausally(ctx, power, source, limits)
	ordinary = sortCausally(ctx, ordinary, source, limits)

	resolved := unconflicted
	replay(ctx, ver, resolved, power, source)
	replay(ctx, ver, resolved, ordinary, source)
	return resolved, nil
}

// splitConflicts computes the union of the branch maps, separating slots
// every branch agrees on from slots with distinct candidates. A slot
// missing from some branch counts as conflicted.
func splitConflicts(branches []graph.StateMap) (unconflicted graph.StateMap, conflicts map[graph.StateKey][]id.EventID) {
	unconflicted = make(graph.StateMap)
	conflicts = make(map[graph.StateKey][]id.EventID)
	keys := make(map[graph.StateKey]struct{})
	for _, branch := range branches {
		for key := range branch {
			keys[key] = struct{}{}
		}
	}
	for key := range keys {
		var candidates []id.EventID
		agreed := true
		for _, branch := range branches {
			eventID, ok := branch[key]
			if !ok {
				agreed = false
				continue
			}
			if !slices.Contains(candidates, eventID) {
				candidates = append(candidates, eventID)
			}
		}
		if agreed && len(candidates) == 1 {
			unconflicted[key] = candidates[0]
		} else {
			slices.Sort(candidates)
			conflicts[key] = candidates
		}
	}
	return
}

func loadCandidates(ctx context.Context, conflicts map[graph.StateKey][]id.EventID, source EventSource, limits Limits) ([]*candidate, error) {
	total := 0
	for _, ids := range conflicts {
		total += len(ids)
	}
	if total > limits.maxConflictedEvents() {
		return nil, fmt.Errorf("%w: %d conflicted events", ErrResolutionOverflow, total)
	}

	keys := make([]graph.StateKey, 0, len(conflicts))
	for key := range conflicts {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, graph.StateKey.Compare)

	candidates := make([]*candidate, 0, total)
	for _, key := range keys {
		for _, eventID := range conflicts[key] {
			evt, err := source.GetEvent(ctx, eventID)
			if err != nil {
				if errors.Is(err, graph.ErrEventNotFound) {
					// A candidate we can't load falls out of the
					// conflict set; the slot may resolve to no state.
					continue
				}
				return nil, err
			}
			candidates = append(candidates, &candidate{key: key, id: eventID, event: evt})
		}
	}
	return candidates, nil
}

// replay applies the sorted candidates in order against the accumulating
// partial state, keeping each event the auth rules accept and silently
// dropping the rest. Later accepted candidates for the same slot replace
// earlier ones, so the last accepted event wins each conflict.
func replay(ctx context.Context, ver *pdu.RoomVersion, state graph.StateMap, candidates []*candidate, source EventSource) {
	view := &stateView{ctx: ctx, state: state, source: source}
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := authrules.Allowed(ver, cand.event.PDU, view); err == nil {
			state[cand.key] = cand.id
		}
	}
}

// NewStateView adapts a resolved state map plus an event source into the
// auth rules' view of room state.
func NewStateView(ctx context.Context, state graph.StateMap, source EventSource) authrules.AuthState {
	return &stateView{ctx: ctx, state: state, source: source}
}

// stateView adapts a StateMap plus an event source into the auth rules'
// view of room state. Lookup failures read as empty slots, which makes a
// malformed auxiliary event cost only its own slot instead of aborting
// the whole resolution.
type stateView struct {
	ctx    context.Context
	state  graph.StateMap
	source EventSource
}

var _ authrules.AuthState = (*stateView)(nil)

func (sv *stateView) get(key graph.StateKey) *pdu.PDU {
	eventID, ok := sv.state[key]
	if !ok {
		return nil
	}
	evt, err := sv.source.GetEvent(sv.ctx, eventID)
	if err != nil {
		return nil
	}
	return evt.PDU
}

func (sv *stateView) Create() *pdu.PDU {
	return sv.get(graph.StateKey{Type: pdu.EventTypeCreate})
}

func (sv *stateView) PowerLevels() *pdu.PDU {
	return sv.get(graph.StateKey{Type: pdu.EventTypePowerLevels})
}

func (sv *stateView) JoinRules() *pdu.PDU {
	return sv.get(graph.StateKey{Type: pdu.EventTypeJoinRules})
}

func (sv *stateView) Member(userID id.UserID) *pdu.PDU {
	return sv.get(graph.StateKey{Type: pdu.EventTypeMember, StateKey: string(userID)})
}
