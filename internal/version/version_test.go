package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	oldV, oldSHA, oldT := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldT })

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2024-06-01T09:00:00Z"
	info := Get()
	assert.Equal(t, Info{Version: "1.2.0", GitSHA: "abc123", BuildTime: "2024-06-01T09:00:00Z"}, info)
	assert.Equal(t, "1.2.0 (abc123, built 2024-06-01T09:00:00Z)", info.String())
}
