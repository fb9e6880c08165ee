package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolvedShareZeroExpiryMeansNoExpiry(t *testing.T) {
	share := ResolvedShare{Role: RoleEditor}
	assert.True(t, share.ExpiresAt.IsZero())
}

func TestRoleConstants(t *testing.T) {
	roles := []Role{RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleNone}
	seen := make(map[Role]bool)
	for _, r := range roles {
		assert.False(t, seen[r], "role constants must be distinct")
		seen[r] = true
	}
}

func TestResolvedShareExpiryComparable(t *testing.T) {
	now := time.Now()
	share := ResolvedShare{Role: RoleViewer, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, share.ExpiresAt.Before(now), "an expired share's ExpiresAt must compare before now")
}
