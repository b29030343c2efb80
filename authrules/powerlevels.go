package authrules

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/pdu"
)

// PowerLevels is the parsed content of an m.room.power_levels event.
// Pointer fields distinguish "absent" from zero so protocol defaults can
// be applied: ban/kick/redact/state_default are 50 when a power levels
// event exists but omits them, invite is 0.
type PowerLevels struct {
	Ban           *int64              `json:"ban,omitempty"`
	Events        map[string]int64    `json:"events,omitempty"`
	EventsDefault int64               `json:"events_default,omitempty"`
	Invite        *int64              `json:"invite,omitempty"`
	Kick          *int64              `json:"kick,omitempty"`
	Redact        *int64              `json:"redact,omitempty"`
	StateDefault  *int64              `json:"state_default,omitempty"`
	Users         map[id.UserID]int64 `json:"users,omitempty"`
	UsersDefault  int64               `json:"users_default,omitempty"`
}

func ParsePowerLevels(evt *pdu.PDU) (*PowerLevels, error) {
	var pl PowerLevels
	if err := json.Unmarshal(evt.Content, &pl); err != nil {
		return nil, fmt.Errorf("%w: bad power levels content: %s", pdu.ErrMalformedEvent, err)
	}
	return &pl, nil
}

func orDefault(val *int64, def int64) int64 {
	if val != nil {
		return *val
	}
	return def
}

func (pl *PowerLevels) BanLevel() int64    { return orDefault(pl.Ban, 50) }
func (pl *PowerLevels) KickLevel() int64   { return orDefault(pl.Kick, 50) }
func (pl *PowerLevels) RedactLevel() int64 { return orDefault(pl.Redact, 50) }
func (pl *PowerLevels) InviteLevel() int64 { return orDefault(pl.Invite, 0) }

// powerContext resolves effective levels for a room, covering the special
// case of a room with no power levels event yet: the creator is 100 and
// everyone else 0, with all actions requiring level 0.
type powerContext struct {
	pl      *PowerLevels
	creator id.UserID
}

func newPowerContext(ver *pdu.RoomVersion, state AuthState) (powerContext, error) {
	pc := powerContext{}
	if create := state.Create(); create != nil {
		pc.creator = ver.Creator(create)
	}
	if plEvent := state.PowerLevels(); plEvent != nil {
		pl, err := ParsePowerLevels(plEvent)
		if err != nil {
			return pc, err
		}
		pc.pl = pl
	}
	return pc, nil
}

func (pc powerContext) userLevel(user id.UserID) int64 {
	if pc.pl == nil {
		if user == pc.creator && user != "" {
			return 100
		}
		return 0
	}
	if level, ok := pc.pl.Users[user]; ok {
		return level
	}
	return pc.pl.UsersDefault
}

func (pc powerContext) requiredLevel(evtType string, isState bool) int64 {
	if pc.pl == nil {
		return 0
	}
	if level, ok := pc.pl.Events[evtType]; ok {
		return level
	}
	if isState {
		return orDefault(pc.pl.StateDefault, 50)
	}
	return pc.pl.EventsDefault
}

func (pc powerContext) banLevel() int64 {
	if pc.pl == nil {
		return 0
	}
	return pc.pl.BanLevel()
}

func (pc powerContext) kickLevel() int64 {
	if pc.pl == nil {
		return 0
	}
	return pc.pl.KickLevel()
}

func (pc powerContext) inviteLevel() int64 {
	if pc.pl == nil {
		return 0
	}
	return pc.pl.InviteLevel()
}

func (pc powerContext) redactLevel() int64 {
	if pc.pl == nil {
		return 0
	}
	return pc.pl.RedactLevel()
}
