package stateres

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// Protocol-defined power level defaults (spec §6).
const (
	defaultUsersDefault  = 0
	defaultEventsDefault = 0
	defaultStateDefault  = 50
	defaultBan           = 50
	defaultKick          = 50
	defaultRedact        = 50
	defaultInvite        = 0
)

// PowerLevelContent is the parsed view of an m.room.power_levels event's
// content, with protocol defaults already applied for absent fields.
type PowerLevelContent struct {
	UsersDefault  int64
	Users         map[string]int64
	EventsDefault int64
	Events        map[string]int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
}

// zeroPowerLevels is the snapshot used before any m.room.power_levels event
// exists in a state map: every threshold falls back to its protocol default.
func zeroPowerLevels() PowerLevelContent {
	return PowerLevelContent{
		UsersDefault:  defaultUsersDefault,
		Users:         map[string]int64{},
		EventsDefault: defaultEventsDefault,
		Events:        map[string]int64{},
		StateDefault:  defaultStateDefault,
		Ban:           defaultBan,
		Kick:          defaultKick,
		Redact:        defaultRedact,
		Invite:        defaultInvite,
	}
}

// parsePowerLevelContent decodes a power_levels event's content leniently:
// some legacy events (room-version-gated in the real protocol; this
// implementation accepts both forms unconditionally, matching the "must
// accept both representations" guidance in spec §9) encode integers as
// JSON strings rather than numbers.
func parsePowerLevelContent(content []byte) (PowerLevelContent, error) {
	if !gjson.ValidBytes(content) {
		return PowerLevelContent{}, &InvalidEventError{Reason: "power_levels content is not valid JSON"}
	}
	root := gjson.ParseBytes(content)
	pl := zeroPowerLevels()

	if v, ok := lenientInt(root.Get("users_default")); ok {
		pl.UsersDefault = v
	}
	if v, ok := lenientInt(root.Get("events_default")); ok {
		pl.EventsDefault = v
	}
	if v, ok := lenientInt(root.Get("state_default")); ok {
		pl.StateDefault = v
	}
	if v, ok := lenientInt(root.Get("ban")); ok {
		pl.Ban = v
	}
	if v, ok := lenientInt(root.Get("kick")); ok {
		pl.Kick = v
	}
	if v, ok := lenientInt(root.Get("redact")); ok {
		pl.Redact = v
	}
	if v, ok := lenientInt(root.Get("invite")); ok {
		pl.Invite = v
	}

	users := root.Get("users")
	if users.Exists() {
		if !users.IsObject() {
			return PowerLevelContent{}, &InvalidEventError{Reason: "power_levels.users is not an object"}
		}
		users.ForEach(func(key, value gjson.Result) bool {
			if v, ok := lenientInt(value); ok {
				pl.Users[key.String()] = v
			}
			return true
		})
	}

	events := root.Get("events")
	if events.Exists() {
		if !events.IsObject() {
			return PowerLevelContent{}, &InvalidEventError{Reason: "power_levels.events is not an object"}
		}
		events.ForEach(func(key, value gjson.Result) bool {
			if v, ok := lenientInt(value); ok {
				pl.Events[key.String()] = v
			}
			return true
		})
	}

	return pl, nil
}

// lenientInt reads an integer from either a JSON number or a JSON string
// holding a base-10 integer.
func lenientInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// UserLevel returns the effective power level of userID under pl.
func (pl PowerLevelContent) UserLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// EventLevel returns the power level required to send an event of the given
// type; isState distinguishes state events (falling back to StateDefault)
// from non-state events (falling back to EventsDefault).
func (pl PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}
