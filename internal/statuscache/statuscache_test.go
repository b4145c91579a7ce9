package statuscache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskhub/hub/internal/statuscache"
)

func TestIncrementCompletedAccumulates(t *testing.T) {
	c := statuscache.New()
	c.IncrementCompleted("alice")
	c.IncrementCompleted("alice")

	snap, ok := c.Get("alice")
	require.True(t, ok)
	require.EqualValues(t, 2, snap.CompletedCount)
}

func TestApplyStatusReportOverwritesRunningState(t *testing.T) {
	c := statuscache.New()
	c.ApplyStatusReport("bob", 2, "task-1", nil)

	snap, ok := c.Get("bob")
	require.True(t, ok)
	require.Equal(t, 2, snap.RunningTasks)
	require.Equal(t, "task-1", snap.CurrentTaskID)
}

func TestResetClearsAgent(t *testing.T) {
	c := statuscache.New()
	c.IncrementCompleted("carol")
	c.Reset("carol")

	_, ok := c.Get("carol")
	require.False(t, ok)
}
