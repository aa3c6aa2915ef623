// Command stateres-resolve loads a JSON resolution fixture (conflicting
// state sets, their auth chains, and the event pool backing them) and
// prints the state Resolve converges on. It exists for manual
// experimentation and for feeding fixtures captured from real
// federation traffic back through the algorithm outside of a full
// homeserver.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/stateres"
	"github.com/element-hq/stateres/config"
	"github.com/element-hq/stateres/internal/fetchcache"
)

func main() {
	fixturePath := flag.String("fixture", "", "path to a JSON resolution fixture")
	roomVersionsPath := flag.String("room-versions", "", "optional YAML room version capability overlay")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: stateres-resolve -fixture path/to/fixture.json")
		os.Exit(2)
	}

	fx, err := loadFixture(*fixturePath)
	if err != nil {
		log.WithError(err).Fatal("failed to load fixture")
	}

	opts := stateres.ResolveOptions{Logger: log}
	if *roomVersionsPath != "" {
		rv, err := config.Load(*roomVersionsPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load room version overlay")
		}
		opts.RoomVersions = rv.Table()
	}

	cache, err := fetchcache.New(fetchcache.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to construct fetch cache")
	}
	defer cache.Close()
	fetch := cache.Wrap(fx.fetch)

	resolved, err := stateres.ResolveWithOptions(context.Background(), fx.roomVersion, fx.stateSets, fx.authChainSets, fetch, opts)
	if err != nil {
		log.WithError(err).Fatal("resolution failed")
	}

	if err := printResolved(resolved); err != nil {
		log.WithError(err).Fatal("failed to print result")
	}
}

// fixtureFile is the on-disk JSON shape a fixture is authored in: the raw
// event pool, plus each fork's state expressed as type|state_key -> event
// id and its precomputed auth chain as a flat id list.
type fixtureFile struct {
	RoomVersion   string              `json:"room_version"`
	Events        []json.RawMessage   `json:"events"`
	StateSets     []map[string]string `json:"state_sets"`
	AuthChainSets [][]string          `json:"auth_chain_sets"`
}

type fixture struct {
	roomVersion   stateres.RoomVersion
	stateSets     []stateres.StateMap
	authChainSets []map[string]struct{}
	events        map[string]stateres.Event
}

func (f *fixture) fetch(_ context.Context, id string) (stateres.Event, bool) {
	ev, ok := f.events[id]
	return ev, ok
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ff fixtureFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, err
	}

	fx := &fixture{
		roomVersion: stateres.RoomVersion(ff.RoomVersion),
		events:      make(map[string]stateres.Event, len(ff.Events)),
	}
	for _, raw := range ff.Events {
		ev := stateres.NewJSONEvent(raw)
		fx.events[ev.EventID()] = ev
	}

	fx.stateSets = make([]stateres.StateMap, len(ff.StateSets))
	for i, sm := range ff.StateSets {
		out := make(stateres.StateMap, len(sm))
		for key, eventID := range sm {
			typ, stateKey := splitStateKey(key)
			out[stateres.StateKeyTuple{Type: typ, StateKey: stateKey}] = eventID
		}
		fx.stateSets[i] = out
	}

	fx.authChainSets = make([]map[string]struct{}, len(ff.AuthChainSets))
	for i, ids := range ff.AuthChainSets {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		fx.authChainSets[i] = set
	}

	return fx, nil
}

// splitStateKey parses a "type|state_key" fixture key. The separator is
// "|" rather than ":" since state keys like m.room.member's user id
// already contain colons.
func splitStateKey(key string) (eventType, stateKey string) {
	idx := strings.LastIndex(key, "|")
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

func printResolved(state stateres.StateMap) error {
	out := make(map[string]string, len(state))
	for tuple, id := range state {
		out[tuple.Type+"|"+tuple.StateKey] = id
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
