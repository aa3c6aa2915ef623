package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/stateres"
)

func TestDefaultsMatchesCompiledInTable(t *testing.T) {
	t.Parallel()

	var rv RoomVersions
	rv.Defaults()

	assert.Len(t, rv.Versions, len(stateres.DefaultRoomVersions))
	assert.Equal(t, stateres.DefaultRoomVersions[stateres.RoomVersionV7].AllowKnocking, rv.Versions["7"].AllowKnocking)
}

func TestVerifyRequiresVersionOne(t *testing.T) {
	t.Parallel()

	rv := RoomVersions{Versions: map[string]RoomVersionCapabilities{
		"9": {AllowKnocking: true, AllowRestrictedJoinRule: true},
	}}

	var errs ConfigErrors
	rv.Verify(&errs)
	assert.NotEmpty(t, errs)
}

func TestVerifyRejectsEmptyTable(t *testing.T) {
	t.Parallel()

	rv := RoomVersions{}
	var errs ConfigErrors
	rv.Verify(&errs)
	assert.NotEmpty(t, errs)
}

func TestLoadOverlayChangesOnlyDeclaredVersions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "room_versions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
versions:
  "1":
    allow_knocking: true
`), 0o600))

	rv, err := Load(path)
	require.NoError(t, err)

	assert.True(t, rv.Versions["1"].AllowKnocking, "declared override should apply")
	assert.False(t, rv.Versions["2"].AllowKnocking, "undeclared version should keep its compiled-in default")

	table := rv.Table()
	assert.Equal(t, stateres.Capabilities{AllowKnocking: true}, table[stateres.RoomVersionV1])
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
