package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/element-hq/stateres"
)

// RoomVersionCapabilities mirrors stateres.Capabilities with YAML tags, so
// operators can tune feature gating per room version without a rebuild.
type RoomVersionCapabilities struct {
	AllowKnocking           bool `yaml:"allow_knocking"`
	AllowRestrictedJoinRule bool `yaml:"allow_restricted_join_rule"`
}

// RoomVersions is a YAML-loadable overlay of stateres.DefaultRoomVersions.
type RoomVersions struct {
	Versions map[string]RoomVersionCapabilities `yaml:"versions"`
}

// Defaults seeds Versions from the compiled-in table, so a config file only
// needs to mention the room versions it wants to change.
func (r *RoomVersions) Defaults() {
	r.Versions = make(map[string]RoomVersionCapabilities, len(stateres.DefaultRoomVersions))
	for rv, caps := range stateres.DefaultRoomVersions {
		r.Versions[string(rv)] = RoomVersionCapabilities{
			AllowKnocking:           caps.AllowKnocking,
			AllowRestrictedJoinRule: caps.AllowRestrictedJoinRule,
		}
	}
}

// Verify checks that the loaded table still covers the room versions every
// federated deployment must assume.
func (r *RoomVersions) Verify(configErrs *ConfigErrors) {
	if len(r.Versions) == 0 {
		configErrs.Add("room_versions: must declare at least one known room version")
		return
	}
	if _, ok := r.Versions[string(stateres.RoomVersionV1)]; !ok {
		configErrs.Add("room_versions: version \"1\" must remain declared; it is the baseline every federated room can assume")
	}
}

// Table converts the loaded overlay into the map shape Resolve and
// AuthCheck consume via ResolveOptions/AuthCheckWithCapabilities.
func (r *RoomVersions) Table() map[stateres.RoomVersion]stateres.Capabilities {
	out := make(map[stateres.RoomVersion]stateres.Capabilities, len(r.Versions))
	for rv, caps := range r.Versions {
		out[stateres.RoomVersion(rv)] = stateres.Capabilities{
			AllowKnocking:           caps.AllowKnocking,
			AllowRestrictedJoinRule: caps.AllowRestrictedJoinRule,
		}
	}
	return out
}

// Load reads a RoomVersions overlay from the YAML file at path, applying
// Defaults first so a partial file only needs to mention what it changes.
func Load(path string) (*RoomVersions, error) {
	rv := &RoomVersions{}
	rv.Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, rv); err != nil {
		return nil, err
	}

	var errs ConfigErrors
	rv.Verify(&errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return rv, nil
}
