package stateres

// RoomVersion is an opaque tag selecting which rule variant applies. The
// core enumerates the versions it knows about; an unrecognized tag fails
// fast with ErrUnsupportedRoomVersion rather than silently picking a
// default (spec §6).
type RoomVersion string

// Known room versions. Each selects a Capabilities entry in
// DefaultRoomVersions; the config package (A1) can load an overlay table
// from YAML for operators who need to adjust feature gating without a
// rebuild.
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// Capabilities are the rule-variant knobs a room version selects between.
// None of them change the shape of the resolution algorithm itself (§2–§5
// are version-independent); they only gate individual auth-rule branches.
type Capabilities struct {
	// AllowKnocking enables the m.room.member "knock" membership (added in
	// room version 7). Setting m.room.join_rules to "knock" is not gated by
	// it.
	AllowKnocking bool
	// AllowRestrictedJoinRule records whether the room version defines the
	// "restricted" join_rule value (added in room version 9, refined in 10).
	// The auth rules do not read it: under a "restricted" join_rule a join
	// is allowed only from invite or an existing join, as under any other
	// non-public rule.
	AllowRestrictedJoinRule bool
}

// DefaultRoomVersions is the compiled-in capability table. The config
// package can load a YAML overlay on top of this for deployments that need
// to tune it without a rebuild.
var DefaultRoomVersions = map[RoomVersion]Capabilities{
	RoomVersionV1:  {AllowKnocking: false, AllowRestrictedJoinRule: false},
	RoomVersionV2:  {AllowKnocking: false, AllowRestrictedJoinRule: false},
	RoomVersionV3:  {AllowKnocking: false, AllowRestrictedJoinRule: false},
	RoomVersionV6:  {AllowKnocking: false, AllowRestrictedJoinRule: false},
	RoomVersionV7:  {AllowKnocking: true, AllowRestrictedJoinRule: false},
	RoomVersionV9:  {AllowKnocking: true, AllowRestrictedJoinRule: true},
	RoomVersionV10: {AllowKnocking: true, AllowRestrictedJoinRule: true},
	RoomVersionV11: {AllowKnocking: true, AllowRestrictedJoinRule: true},
}

// capabilitiesFor looks up rv in the table, using table as the active
// registry if non-nil (so callers can plug in a config-loaded overlay) and
// falling back to DefaultRoomVersions otherwise.
func capabilitiesFor(rv RoomVersion, table map[RoomVersion]Capabilities) (Capabilities, error) {
	if table == nil {
		table = DefaultRoomVersions
	}
	caps, ok := table[rv]
	if !ok {
		return Capabilities{}, ErrUnsupportedRoomVersion
	}
	return caps, nil
}
