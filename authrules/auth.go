// Package authrules implements the room-version-parameterized event
// authorization rules: membership transitions, power level changes and
// the power requirements for ordinary state and timeline events.
//
// The evaluator is pure: the verdict depends only on the event and the
// auth state it is given, never on a clock, the network or storage.
package authrules

import (
	"encoding/json"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/pdu"
)

// AuthState is the slice of room state an authorization decision can see:
// the state events reachable from the event's auth_events, or the
// accumulated partial state during conflict resolution. A nil return
// means that state slot is empty.
type AuthState interface {
	Create() *pdu.PDU
	PowerLevels() *pdu.PDU
	JoinRules() *pdu.PDU
	Member(userID id.UserID) *pdu.PDU
}

// RejectedError is the verdict for an event the rules do not permit.
// Rejection is final for the event at the given state.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "authorization rejected: " + e.Reason
}

func rejectf(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

type memberContent struct {
	Membership     event.Membership `json:"membership"`
	JoinAuthorised id.UserID        `json:"join_authorised_via_users_server,omitempty"`
}

func membershipOf(evt *pdu.PDU) event.Membership {
	if evt == nil {
		return event.MembershipLeave
	}
	var content memberContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return event.MembershipLeave
	}
	return content.Membership
}

func joinRuleOf(evt *pdu.PDU) event.JoinRule {
	if evt == nil {
		return event.JoinRuleInvite
	}
	var content event.JoinRulesEventContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}

// Allowed decides whether the event is permitted by the auth rules given
// the visible state. It returns nil for allowed, *RejectedError for a
// definitive rejection, and other errors only when an input event is
// malformed and no verdict can be computed.
func Allowed(ver *pdu.RoomVersion, evt *pdu.PDU, state AuthState) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	if evt.Type == pdu.EventTypeCreate {
		return allowedCreate(evt, state)
	}

	create := state.Create()
	if create == nil {
		return rejectf("no create event in auth state")
	}
	if !pdu.Federate(create) && evt.Sender.Homeserver() != create.Sender.Homeserver() {
		return rejectf("room does not federate and sender is not on the origin server")
	}

	pc, err := newPowerContext(ver, state)
	if err != nil {
		return err
	}

	if evt.Type == pdu.EventTypeMember {
		return allowedMember(ver, evt, state, pc)
	}

	senderMembership := membershipOf(state.Member(evt.Sender))
	if senderMembership != event.MembershipJoin {
		return rejectf("sender %s is not joined to the room", evt.Sender)
	}

	senderLevel := pc.userLevel(evt.Sender)
	required := pc.requiredLevel(evt.Type, evt.IsState())
	if senderLevel < required {
		return rejectf("sender level %d is below the required level %d for %s", senderLevel, required, evt.Type)
	}

	switch evt.Type {
	case pdu.EventTypePowerLevels:
		return allowedPowerLevelChange(evt, pc, senderLevel)
	case pdu.EventTypeRedaction:
		if senderLevel < pc.redactLevel() {
			return rejectf("sender level %d is below the redaction level %d", senderLevel, pc.redactLevel())
		}
	}
	return nil
}

func allowedCreate(evt *pdu.PDU, state AuthState) error {
	if state.Create() != nil {
		return rejectf("room already has a create event")
	}
	if len(evt.AuthEvents) != 0 {
		return rejectf("create event must not have auth events")
	}
	if roomServerName(evt.RoomID) != evt.Sender.Homeserver() {
		return rejectf("create event sender is not on the room's origin server")
	}
	if _, ok := pdu.RoomVersionOf(evt); !ok {
		return rejectf("unsupported room version in create event")
	}
	return nil
}

func allowedMember(ver *pdu.RoomVersion, evt *pdu.PDU, state AuthState, pc powerContext) error {
	target := id.UserID(evt.GetStateKey())
	if target == "" {
		return rejectf("membership event without a target user")
	}
	var content memberContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("%w: bad membership content: %s", pdu.ErrMalformedEvent, err)
	}

	senderMembership := membershipOf(state.Member(evt.Sender))
	targetMembership := membershipOf(state.Member(target))
	senderLevel := pc.userLevel(evt.Sender)
	targetLevel := pc.userLevel(target)

	switch content.Membership {
	case event.MembershipJoin:
		if target != evt.Sender {
			return rejectf("cannot join on behalf of another user")
		}
		if targetMembership == event.MembershipBan {
			return rejectf("user %s is banned from the room", target)
		}
		// The creator's first join happens before any join rules exist.
		if creator := ver.Creator(state.Create()); target == creator &&
			state.Member(target) == nil && state.JoinRules() == nil {
			return nil
		}
		switch rule := joinRuleOf(state.JoinRules()); rule {
		case event.JoinRulePublic:
			return nil
		case event.JoinRuleInvite, event.JoinRuleKnock:
			if targetMembership == event.MembershipJoin || targetMembership == event.MembershipInvite {
				return nil
			}
			return rejectf("user %s has not been invited to this %s room", target, rule)
		case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
			if targetMembership == event.MembershipJoin || targetMembership == event.MembershipInvite {
				return nil
			}
			if content.JoinAuthorised != "" {
				if membershipOf(state.Member(content.JoinAuthorised)) != event.MembershipJoin {
					return rejectf("authorising user %s is not joined", content.JoinAuthorised)
				}
				if pc.userLevel(content.JoinAuthorised) < pc.inviteLevel() {
					return rejectf("authorising user %s cannot invite", content.JoinAuthorised)
				}
				return nil
			}
			return rejectf("restricted join without authorisation")
		default:
			return rejectf("join rule %s does not permit joining", rule)
		}

	case event.MembershipInvite:
		if senderMembership != event.MembershipJoin {
			return rejectf("inviter %s is not joined", evt.Sender)
		}
		if targetMembership == event.MembershipJoin || targetMembership == event.MembershipBan {
			return rejectf("user %s cannot be invited in membership state %s", target, targetMembership)
		}
		if senderLevel < pc.inviteLevel() {
			return rejectf("sender level %d is below the invite level %d", senderLevel, pc.inviteLevel())
		}
		return nil

	case event.MembershipLeave:
		if target == evt.Sender {
			switch senderMembership {
			case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
				return nil
			}
			return rejectf("cannot leave a room in membership state %s", senderMembership)
		}
		if senderMembership != event.MembershipJoin {
			return rejectf("sender %s is not joined", evt.Sender)
		}
		if targetMembership == event.MembershipBan && senderLevel < pc.banLevel() {
			return rejectf("sender level %d cannot lift a ban (level %d required)", senderLevel, pc.banLevel())
		}
		if senderLevel < pc.kickLevel() {
			return rejectf("sender level %d is below the kick level %d", senderLevel, pc.kickLevel())
		}
		if senderLevel <= targetLevel {
			return rejectf("sender level %d does not exceed target level %d", senderLevel, targetLevel)
		}
		return nil

	case event.MembershipBan:
		if senderMembership != event.MembershipJoin {
			return rejectf("sender %s is not joined", evt.Sender)
		}
		if senderLevel < pc.banLevel() {
			return rejectf("sender level %d is below the ban level %d", senderLevel, pc.banLevel())
		}
		if senderLevel <= targetLevel {
			return rejectf("sender level %d does not exceed target level %d", senderLevel, targetLevel)
		}
		return nil

	case event.MembershipKnock:
		if target != evt.Sender {
			return rejectf("cannot knock on behalf of another user")
		}
		switch rule := joinRuleOf(state.JoinRules()); rule {
		case event.JoinRuleKnock, event.JoinRuleKnockRestricted:
		default:
			return rejectf("join rule %s does not permit knocking", rule)
		}
		switch senderMembership {
		case event.MembershipBan, event.MembershipJoin, event.MembershipInvite:
			return rejectf("cannot knock in membership state %s", senderMembership)
		}
		return nil

	default:
		return rejectf("unknown membership %q", content.Membership)
	}
}

// allowedPowerLevelChange enforces that a user may only change levels
// within their own reach: no raising anything above their own level, no
// touching users at or above their own level (except demoting themselves).
func allowedPowerLevelChange(evt *pdu.PDU, pc powerContext, senderLevel int64) error {
	newPL, err := ParsePowerLevels(evt)
	if err != nil {
		return err
	}
	oldPL := pc.pl
	if oldPL == nil {
		// First power levels event in the room: the creator sets the
		// initial levels freely.
		return nil
	}

	checks := []struct {
		name     string
		old, new int64
	}{
		{"ban", oldPL.BanLevel(), newPL.BanLevel()},
		{"kick", oldPL.KickLevel(), newPL.KickLevel()},
		{"redact", oldPL.RedactLevel(), newPL.RedactLevel()},
		{"invite", oldPL.InviteLevel(), newPL.InviteLevel()},
		{"events_default", oldPL.EventsDefault, newPL.EventsDefault},
		{"users_default", oldPL.UsersDefault, newPL.UsersDefault},
		{"state_default", orDefault(oldPL.StateDefault, 50), orDefault(newPL.StateDefault, 50)},
	}
	for _, check := range checks {
		if err := checkLevelChange(check.name, check.old, check.new, senderLevel); err != nil {
			return err
		}
	}
	for evtType := range union(oldPL.Events, newPL.Events) {
		oldLevel, hadOld := oldPL.Events[evtType]
		newLevel, hasNew := newPL.Events[evtType]
		if !hadOld {
			oldLevel = oldPL.EventsDefault
		}
		if !hasNew {
			newLevel = newPL.EventsDefault
		}
		if err := checkLevelChange("events."+evtType, oldLevel, newLevel, senderLevel); err != nil {
			return err
		}
	}
	for user := range union(oldPL.Users, newPL.Users) {
		oldLevel, hadOld := oldPL.Users[user]
		newLevel, hasNew := newPL.Users[user]
		if !hadOld {
			oldLevel = oldPL.UsersDefault
		}
		if !hasNew {
			newLevel = newPL.UsersDefault
		}
		if oldLevel == newLevel {
			continue
		}
		if user == evt.Sender {
			if newLevel > senderLevel {
				return rejectf("cannot raise own level above %d", senderLevel)
			}
			continue
		}
		if oldLevel >= senderLevel {
			return rejectf("cannot change the level of %s who is at level %d", user, oldLevel)
		}
		if newLevel > senderLevel {
			return rejectf("cannot grant %s a level above own level %d", user, senderLevel)
		}
	}
	return nil
}

func checkLevelChange(name string, oldLevel, newLevel, senderLevel int64) error {
	if oldLevel == newLevel {
		return nil
	}
	if oldLevel > senderLevel || newLevel > senderLevel {
		return rejectf("changing %s from %d to %d exceeds sender level %d", name, oldLevel, newLevel, senderLevel)
	}
	return nil
}

func union[K comparable, V any](a, b map[K]V) map[K]struct{} {
	keys := make(map[K]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func roomServerName(roomID id.RoomID) string {
	_, server, _ := strings.Cut(string(roomID), ":")
	return server
}
