package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semver.MatchString(Version), "got %s", Version)
}

func TestString_IncludesBuildInfo(t *testing.T) {
	// Given: injected build info
	orig := [3]string{Version, Commit, Date}
	t.Cleanup(func() { Version, Commit, Date = orig[0], orig[1], orig[2] })
	Version, Commit, Date = "1.2.3", "abc1234", "2026-01-01T00:00:00Z"

	// When/Then: the full string carries everything
	assert.Equal(t,
		"amanrag 1.2.3 (commit: abc1234, built: 2026-01-01T00:00:00Z, go: "+runtime.Version()+")",
		String())
	assert.Equal(t, "1.2.3", Short())
}

func TestGetInfo_MarshalsToJSON(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, Version, got["version"])
	assert.Equal(t, runtime.GOOS, got["os"])
	assert.Equal(t, runtime.GOARCH, got["arch"])
	assert.Equal(t, runtime.Version(), got["go_version"])
}
