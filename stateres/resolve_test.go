package stateres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/graph"
	"go.mau.fi/roomgraph/pdu"
	"go.mau.fi/roomgraph/stateres"
)

const (
	roomID = id.RoomID("!room:example.com")
	alice  = id.UserID("@alice:example.com")
	bob    = id.UserID("@bob:example.com")
	mallet = id.UserID("@mallet:evil.net")
)

func strPtr(s string) *string {
	return &s
}

// fixture is a tiny room graph with named events, loaded into a memory
// store, plus the state map shared by every branch before divergence.
type fixture struct {
	store *graph.MemoryStore
	base  graph.StateMap
}

func (f *fixture) put(t *testing.T, eventID id.EventID, evtType string, stateKey *string, sender id.UserID, depth int64, content map[string]any, prevs ...id.EventID) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	evt := &pdu.PDU{
		RoomID:     roomID,
		Sender:     sender,
		Type:       evtType,
		StateKey:   stateKey,
		Content:    raw,
		Depth:      depth,
		PrevEvents: prevs,
	}
	require.NoError(t, f.store.PutEvent(context.Background(), &graph.StoredEvent{PDU: evt, ID: eventID}))
}

func (f *fixture) member(t *testing.T, eventID id.EventID, sender, target id.UserID, membership string, depth int64, prevs ...id.EventID) {
	t.Helper()
	f.put(t, eventID, pdu.EventTypeMember, strPtr(string(target)), sender, depth, map[string]any{"membership": membership}, prevs...)
}

// newFixture builds a public room where alice created and joined and bob
// joined: $create <- $alice <- $rules <- $bob.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: graph.NewMemoryStore()}
	f.put(t, "$create", pdu.EventTypeCreate, strPtr(""), alice, 1, map[string]any{"room_version": "11"})
	f.member(t, "$alice", alice, alice, "join", 2, "$create")
	f.put(t, "$rules", pdu.EventTypeJoinRules, strPtr(""), alice, 3, map[string]any{"join_rule": "public"}, "$alice")
	f.member(t, "$bob", bob, bob, "join", 4, "$rules")
	f.base = graph.StateMap{
		{Type: pdu.EventTypeCreate, StateKey: ""}:            "$create",
		{Type: pdu.EventTypeMember, StateKey: string(alice)}: "$alice",
		{Type: pdu.EventTypeJoinRules, StateKey: ""}:         "$rules",
		{Type: pdu.EventTypeMember, StateKey: string(bob)}:   "$bob",
	}
	return f
}

func (f *fixture) branch(overrides graph.StateMap) graph.StateMap {
	branch := f.base.Clone()
	for key, eventID := range overrides {
		branch[key] = eventID
	}
	return branch
}

func resolve(t *testing.T, f *fixture, branches ...graph.StateMap) graph.StateMap {
	t.Helper()
	state, err := stateres.Resolve(context.Background(), pdu.V11, branches, f.store, stateres.Limits{})
	require.NoError(t, err)
	return state
}

var topicKey = graph.StateKey{Type: "m.room.topic", StateKey: ""}

func TestResolve_TrivialBranches(t *testing.T) {
	f := newFixture(t)

	state, err := stateres.Resolve(context.Background(), pdu.V11, nil, f.store, stateres.Limits{})
	require.NoError(t, err)
	assert.Empty(t, state)

	state = resolve(t, f, f.base)
	assert.Equal(t, f.base, state)

	state = resolve(t, f, f.base, f.base.Clone())
	assert.Equal(t, f.base, state)
}

func TestResolve_DepthTieBreak(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$topicA", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "a"}, "$bob")
	f.put(t, "$topicB", "m.room.topic", strPtr(""), alice, 6, map[string]any{"topic": "b"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$topicA"}),
		f.branch(graph.StateMap{topicKey: "$topicB"}),
	)
	// Deeper candidate replays later and wins the slot.
	assert.EqualValues(t, "$topicB", state[topicKey])
}

func TestResolve_EventIDTieBreak(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$topicA", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "a"}, "$bob")
	f.put(t, "$topicZ", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "z"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$topicA"}),
		f.branch(graph.StateMap{topicKey: "$topicZ"}),
	)
	// Equal depth: the conflict resolves to the lexicographically
	// smallest event ID.
	assert.EqualValues(t, "$topicA", state[topicKey])
}

func TestResolve_CausalOrderBeatsDepth(t *testing.T) {
	f := newFixture(t)
	// $topicNew descends from $topicOld but lies about its depth.
	f.put(t, "$topicOld", "m.room.topic", strPtr(""), alice, 9, map[string]any{"topic": "old"}, "$bob")
	f.put(t, "$topicNew", "m.room.topic", strPtr(""), alice, 2, map[string]any{"topic": "new"}, "$topicOld")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$topicOld"}),
		f.branch(graph.StateMap{topicKey: "$topicNew"}),
	)
	assert.EqualValues(t, "$topicNew", state[topicKey])
}

func TestResolve_BanBeatsConcurrentJoin(t *testing.T) {
	f := newFixture(t)
	bobKey := graph.StateKey{Type: pdu.EventTypeMember, StateKey: string(bob)}
	f.member(t, "$rejoin", bob, bob, "join", 5, "$bob")
	f.member(t, "$ban", alice, bob, "ban", 6, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{bobKey: "$rejoin"}),
		f.branch(graph.StateMap{bobKey: "$ban"}),
	)
	assert.EqualValues(t, "$ban", state[bobKey])
}

func TestResolve_RejectedCandidateDropped(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$good", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "ok"}, "$bob")
	// mallet never joined the room, so their topic can't win no matter how
	// favorable its position in the replay order.
	f.put(t, "$evil", "m.room.topic", strPtr(""), mallet, 99, map[string]any{"topic": "pwned"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$good"}),
		f.branch(graph.StateMap{topicKey: "$evil"}),
	)
	assert.EqualValues(t, "$good", state[topicKey])
}

func TestResolve_AllCandidatesRejected(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$evil1", "m.room.topic", strPtr(""), mallet, 5, map[string]any{"topic": "x"}, "$bob")
	f.put(t, "$evil2", "m.room.topic", strPtr(""), mallet, 6, map[string]any{"topic": "y"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$evil1"}),
		f.branch(graph.StateMap{topicKey: "$evil2"}),
	)
	_, ok := state[topicKey]
	assert.False(t, ok, "slot with only rejected candidates should resolve to no state")
	assert.Equal(t, f.base, state)
}

func TestResolve_MissingCandidateDropped(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$good", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "ok"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$good"}),
		f.branch(graph.StateMap{topicKey: "$vanished"}),
	)
	assert.EqualValues(t, "$good", state[topicKey])
}

func TestResolve_SlotMissingFromOneBranch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$topic", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "hi"}, "$bob")

	state := resolve(t, f,
		f.branch(graph.StateMap{topicKey: "$topic"}),
		f.base,
	)
	// Present in one branch only still counts as conflicted, and the sole
	// surviving candidate wins.
	assert.EqualValues(t, "$topic", state[topicKey])
}

func TestResolve_Overflow(t *testing.T) {
	f := newFixture(t)
	f.put(t, "$topicA", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "a"}, "$bob")
	f.put(t, "$topicB", "m.room.topic", strPtr(""), alice, 6, map[string]any{"topic": "b"}, "$bob")

	_, err := stateres.Resolve(context.Background(), pdu.V11,
		[]graph.StateMap{
			f.branch(graph.StateMap{topicKey: "$topicA"}),
			f.branch(graph.StateMap{topicKey: "$topicB"}),
		},
		f.store, stateres.Limits{MaxConflictedEvents: 1})
	require.ErrorIs(t, err, stateres.ErrResolutionOverflow)
}

func TestResolve_Deterministic(t *testing.T) {
	f := newFixture(t)
	bobKey := graph.StateKey{Type: pdu.EventTypeMember, StateKey: string(bob)}
	f.put(t, "$topicA", "m.room.topic", strPtr(""), alice, 5, map[string]any{"topic": "a"}, "$bob")
	f.put(t, "$topicB", "m.room.topic", strPtr(""), bob, 5, map[string]any{"topic": "b"}, "$bob")
	f.member(t, "$rejoin", bob, bob, "join", 5, "$bob")
	f.member(t, "$ban", alice, bob, "ban", 6, "$bob")

	branchA := f.branch(graph.StateMap{topicKey: "$topicA", bobKey: "$rejoin"})
	branchB := f.branch(graph.StateMap{topicKey: "$topicB", bobKey: "$ban"})

	first := resolve(t, f, branchA, branchB)
	for range 20 {
		assert.Equal(t, first, resolve(t, f, branchA, branchB))
		assert.Equal(t, first, resolve(t, f, branchB, branchA))
	}
}

func TestIsPowerEvent(t *testing.T) {
	assert.True(t, stateres.IsPowerEvent(pdu.EventTypeCreate))
	assert.True(t, stateres.IsPowerEvent(pdu.EventTypeMember))
	assert.True(t, stateres.IsPowerEvent(pdu.EventTypePowerLevels))
	assert.True(t, stateres.IsPowerEvent(pdu.EventTypeJoinRules))
	assert.False(t, stateres.IsPowerEvent("m.room.topic"))
	assert.False(t, stateres.IsPowerEvent(pdu.EventTypeMessage))
}

func TestNewStateView(t *testing.T) {
	f := newFixture(t)
	view := stateres.NewStateView(context.Background(), f.base, f.store)

	require.NotNil(t, view.Create())
	assert.Equal(t, pdu.EventTypeCreate, view.Create().Type)
	require.NotNil(t, view.JoinRules())
	require.NotNil(t, view.Member(alice))
	assert.Nil(t, view.Member(mallet))
	assert.Nil(t, view.PowerLevels())
}
