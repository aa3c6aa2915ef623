// Package config loads a YAML overlay of the room version capability
// table (spec §6's RoomVersion/Capabilities), following the same
// Defaults()/Verify(*ConfigErrors) shape dendrite's own config structs use.
package config

import "strings"

// ConfigErrors accumulates configuration problems so Verify can report
// every one of them at once instead of failing on the first.
type ConfigErrors []string

// Add appends msg to the error list.
func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	return strings.Join(e, "; ")
}
