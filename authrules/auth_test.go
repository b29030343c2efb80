package authrules_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/authrules"
	"go.mau.fi/roomgraph/pdu"
)

const (
	roomID  = id.RoomID("!room:example.com")
	alice   = id.UserID("@alice:example.com")
	bob     = id.UserID("@bob:example.com")
	charlie = id.UserID("@charlie:other.net")
)

// mockState is a fixed auth state for a single decision.
type mockState struct {
	create    *pdu.PDU
	pl        *pdu.PDU
	joinRules *pdu.PDU
	members   map[id.UserID]*pdu.PDU
}

var _ authrules.AuthState = (*mockState)(nil)

func (s *mockState) Create() *pdu.PDU      { return s.create }
func (s *mockState) PowerLevels() *pdu.PDU { return s.pl }
func (s *mockState) JoinRules() *pdu.PDU   { return s.joinRules }
func (s *mockState) Member(userID id.UserID) *pdu.PDU {
	return s.members[userID]
}

func strPtr(s string) *string {
	return &s
}

func stateEvent(evtType string, stateKey string, sender id.UserID, content any) *pdu.PDU {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	evt := &pdu.PDU{
		RoomID:     roomID,
		Sender:     sender,
		Type:       evtType,
		StateKey:   strPtr(stateKey),
		Content:    raw,
		Depth:      2,
		PrevEvents: []id.EventID{"$prev"},
	}
	if evtType == pdu.EventTypeCreate {
		evt.PrevEvents = nil
		evt.Depth = 1
	}
	return evt
}

func memberEvent(sender, target id.UserID, membership string) *pdu.PDU {
	return stateEvent(pdu.EventTypeMember, string(target), sender, map[string]any{"membership": membership})
}

func messageEvent(sender id.UserID) *pdu.PDU {
	return &pdu.PDU{
		RoomID:     roomID,
		Sender:     sender,
		Type:       pdu.EventTypeMessage,
		Content:    json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
		Depth:      3,
		PrevEvents: []id.EventID{"$prev"},
	}
}

func createEvent() *pdu.PDU {
	return stateEvent(pdu.EventTypeCreate, "", alice, map[string]any{"room_version": "11"})
}

// bootstrapState is a room where alice created and joined, with optional
// extra pieces layered on.
func bootstrapState() *mockState {
	return &mockState{
		create: createEvent(),
		members: map[id.UserID]*pdu.PDU{
			alice: memberEvent(alice, alice, "join"),
		},
	}
}

func requireRejected(t *testing.T, err error) {
	t.Helper()
	var rejected *authrules.RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestAllowed_Create(t *testing.T) {
	empty := &mockState{}
	require.NoError(t, authrules.Allowed(pdu.V11, createEvent(), empty))

	t.Run("duplicate create", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, createEvent(), bootstrapState()))
	})
	t.Run("create with auth events", func(t *testing.T) {
		evt := createEvent()
		evt.AuthEvents = []id.EventID{"$something"}
		requireRejected(t, authrules.Allowed(pdu.V11, evt, empty))
	})
	t.Run("sender on wrong server", func(t *testing.T) {
		evt := createEvent()
		evt.Sender = charlie
		requireRejected(t, authrules.Allowed(pdu.V11, evt, empty))
	})
	t.Run("unsupported room version", func(t *testing.T) {
		evt := stateEvent(pdu.EventTypeCreate, "", alice, map[string]any{"room_version": "3"})
		requireRejected(t, authrules.Allowed(pdu.V11, evt, empty))
	})
}

func TestAllowed_NoCreateInState(t *testing.T) {
	requireRejected(t, authrules.Allowed(pdu.V11, messageEvent(alice), &mockState{}))
}

func TestAllowed_NonFederatingRoom(t *testing.T) {
	state := bootstrapState()
	state.create = stateEvent(pdu.EventTypeCreate, "", alice, map[string]any{
		"room_version": "11",
		"m.federate":   false,
	})
	state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "public"})

	requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(charlie, charlie, "join"), state))
	require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
}

func TestAllowed_Join(t *testing.T) {
	t.Run("creator first join without join rules", func(t *testing.T) {
		state := &mockState{create: createEvent()}
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(alice, alice, "join"), state))
	})
	t.Run("non-creator cannot join without invite", func(t *testing.T) {
		state := bootstrapState()
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
	})
	t.Run("public room join", func(t *testing.T) {
		state := bootstrapState()
		state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "public"})
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
	})
	t.Run("invited user joins invite room", func(t *testing.T) {
		state := bootstrapState()
		state.members[bob] = memberEvent(alice, bob, "invite")
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
	})
	t.Run("banned user cannot join public room", func(t *testing.T) {
		state := bootstrapState()
		state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "public"})
		state.members[bob] = memberEvent(alice, bob, "ban")
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
	})
	t.Run("cannot join on behalf of another user", func(t *testing.T) {
		state := bootstrapState()
		state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "public"})
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "join"), state))
	})
	t.Run("restricted join with authorising server", func(t *testing.T) {
		state := bootstrapState()
		state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "restricted"})
		evt := stateEvent(pdu.EventTypeMember, string(bob), bob, map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": alice,
		})
		require.NoError(t, authrules.Allowed(pdu.V11, evt, state))
	})
	t.Run("restricted join without authorisation", func(t *testing.T) {
		state := bootstrapState()
		state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "restricted"})
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "join"), state))
	})
}

func TestAllowed_Invite(t *testing.T) {
	state := bootstrapState()
	require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "invite"), state))

	t.Run("inviter not joined", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, charlie, "invite"), state))
	})
	t.Run("target already joined", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "invite"), st))
	})
	t.Run("target banned", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(alice, bob, "ban")
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "invite"), st))
	})
	t.Run("sender below invite level", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		st.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
			"users":  map[string]int{string(alice): 100},
			"invite": 50,
		})
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, charlie, "invite"), st))
	})
}

func TestAllowed_LeaveKickBan(t *testing.T) {
	joinedBoth := func() *mockState {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		st.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
			"users": map[string]int{string(alice): 100},
		})
		return st
	}

	t.Run("self leave", func(t *testing.T) {
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "leave"), joinedBoth()))
	})
	t.Run("leave while not in room", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(charlie, charlie, "leave"), joinedBoth()))
	})
	t.Run("reject invite by leaving", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(alice, bob, "invite")
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "leave"), st))
	})
	t.Run("kick by admin", func(t *testing.T) {
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "leave"), joinedBoth()))
	})
	t.Run("kick without kick level", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, alice, "leave"), joinedBoth()))
	})
	t.Run("ban by admin", func(t *testing.T) {
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "ban"), joinedBoth()))
	})
	t.Run("ban of an equal", func(t *testing.T) {
		st := joinedBoth()
		st.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
			"users": map[string]int{string(alice): 100, string(bob): 100},
			"ban":   50,
		})
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(alice, bob, "ban"), st))
	})
	t.Run("unban requires ban level", func(t *testing.T) {
		st := joinedBoth()
		st.members[charlie] = memberEvent(alice, charlie, "ban")
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, charlie, "leave"), st))
		require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(alice, charlie, "leave"), st))
	})
}

func TestAllowed_Knock(t *testing.T) {
	state := bootstrapState()
	state.joinRules = stateEvent(pdu.EventTypeJoinRules, "", alice, map[string]any{"join_rule": "knock"})
	require.NoError(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "knock"), state))

	t.Run("knock not permitted by join rule", func(t *testing.T) {
		st := bootstrapState()
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, bob, "knock"), st))
	})
	t.Run("joined user cannot knock", func(t *testing.T) {
		st := bootstrapState()
		st.joinRules = state.joinRules
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(alice, alice, "knock"), st))
	})
	t.Run("knock for another user", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, memberEvent(bob, charlie, "knock"), state))
	})
}

func TestAllowed_Message(t *testing.T) {
	state := bootstrapState()
	require.NoError(t, authrules.Allowed(pdu.V11, messageEvent(alice), state))

	t.Run("sender not joined", func(t *testing.T) {
		requireRejected(t, authrules.Allowed(pdu.V11, messageEvent(bob), state))
	})
	t.Run("per-type level requirement", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		st.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
			"users":  map[string]int{string(alice): 100},
			"events": map[string]int{pdu.EventTypeMessage: 50},
		})
		require.NoError(t, authrules.Allowed(pdu.V11, messageEvent(alice), st))
		requireRejected(t, authrules.Allowed(pdu.V11, messageEvent(bob), st))
	})
	t.Run("state event needs state_default", func(t *testing.T) {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		st.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
			"users": map[string]int{string(alice): 100},
		})
		topic := stateEvent("m.room.topic", "", bob, map[string]any{"topic": "hi"})
		requireRejected(t, authrules.Allowed(pdu.V11, topic, st))
		topic.Sender = alice
		require.NoError(t, authrules.Allowed(pdu.V11, topic, st))
	})
}

func TestAllowed_PowerLevels(t *testing.T) {
	plEvent := func(content map[string]any) *pdu.PDU {
		return stateEvent(pdu.EventTypePowerLevels, "", alice, content)
	}

	t.Run("first power levels event is free", func(t *testing.T) {
		state := bootstrapState()
		evt := plEvent(map[string]any{"users": map[string]int{string(alice): 100}})
		require.NoError(t, authrules.Allowed(pdu.V11, evt, state))
	})

	withPL := func(users map[string]int) *mockState {
		st := bootstrapState()
		st.members[bob] = memberEvent(bob, bob, "join")
		st.pl = plEvent(map[string]any{"users": users, "state_default": 0})
		return st
	}

	t.Run("raising a scalar above own level", func(t *testing.T) {
		st := withPL(map[string]int{string(alice): 100, string(bob): 50})
		evt := plEvent(map[string]any{
			"users":         map[string]int{string(alice): 100, string(bob): 50},
			"state_default": 0,
			"ban":           60,
		})
		evt.Sender = bob
		requireRejected(t, authrules.Allowed(pdu.V11, evt, st))
	})

	t.Run("cannot touch a higher user", func(t *testing.T) {
		st := withPL(map[string]int{string(alice): 100, string(bob): 50})
		evt := plEvent(map[string]any{
			"users":         map[string]int{string(alice): 40, string(bob): 50},
			"state_default": 0,
		})
		evt.Sender = bob
		requireRejected(t, authrules.Allowed(pdu.V11, evt, st))
	})

	t.Run("cannot raise another above own level", func(t *testing.T) {
		st := withPL(map[string]int{string(alice): 100, string(bob): 50})
		evt := plEvent(map[string]any{
			"users":         map[string]int{string(alice): 100, string(bob): 50, string(charlie): 75},
			"state_default": 0,
		})
		evt.Sender = bob
		requireRejected(t, authrules.Allowed(pdu.V11, evt, st))
	})

	t.Run("self demotion is allowed", func(t *testing.T) {
		st := withPL(map[string]int{string(alice): 100, string(bob): 50})
		evt := plEvent(map[string]any{
			"users":         map[string]int{string(alice): 100, string(bob): 10},
			"state_default": 0,
		})
		evt.Sender = bob
		require.NoError(t, authrules.Allowed(pdu.V11, evt, st))
	})

	t.Run("granting within reach", func(t *testing.T) {
		st := withPL(map[string]int{string(alice): 100, string(bob): 50})
		evt := plEvent(map[string]any{
			"users":         map[string]int{string(alice): 100, string(bob): 50, string(charlie): 25},
			"state_default": 0,
		})
		evt.Sender = bob
		require.NoError(t, authrules.Allowed(pdu.V11, evt, st))
	})
}

func TestAllowed_Redaction(t *testing.T) {
	state := bootstrapState()
	state.members[bob] = memberEvent(bob, bob, "join")
	state.pl = stateEvent(pdu.EventTypePowerLevels, "", alice, map[string]any{
		"users": map[string]int{string(alice): 100},
	})
	redaction := func(sender id.UserID) *pdu.PDU {
		evt := messageEvent(sender)
		evt.Type = pdu.EventTypeRedaction
		evt.Content = json.RawMessage(`{"redacts":"$target","reason":"spam"}`)
		return evt
	}
	require.NoError(t, authrules.Allowed(pdu.V11, redaction(alice), state))
	requireRejected(t, authrules.Allowed(pdu.V11, redaction(bob), state))
}

func TestAllowed_MalformedPropagates(t *testing.T) {
	evt := messageEvent(alice)
	evt.Content = json.RawMessage(`{broken`)
	err := authrules.Allowed(pdu.V11, evt, bootstrapState())
	require.ErrorIs(t, err, pdu.ErrMalformedEvent)
	var rejected *authrules.RejectedError
	assert.False(t, errors.As(err, &rejected))
}
