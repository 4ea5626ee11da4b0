package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRegistry_CachesPerAccount(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewMemoryStore(), zap.NewNop())

	a := reg.For("acc_1", "")
	b := reg.For("acc_1", "user_1")
	assert.Same(t, a, b)
	assert.Equal(t, "user_1", a.userID, "later call with a user upgrades the recorder")
	assert.Equal(t, 1, reg.size())

	reg.For("acc_2", "user_2")
	assert.Equal(t, 2, reg.size())

	reg.Release("acc_1")
	assert.Equal(t, 1, reg.size())
	reg.Release("acc_1")
	assert.Equal(t, 1, reg.size())
}

func TestRegistry_PruneEvictsIdleRecorders(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewMemoryStore(), zap.NewNop())
	reg.For("acc_1", "")
	reg.For("acc_2", "")

	reg.mu.Lock()
	reg.entries["acc_1"].lastUsed = time.Now().Add(-time.Hour)
	reg.mu.Unlock()

	reg.prune()
	assert.Equal(t, 1, reg.size())

	// The surviving recorder is still the cached one.
	kept := reg.For("acc_2", "")
	assert.Equal(t, 1, reg.size())
	assert.Same(t, kept, reg.For("acc_2", ""))
}
