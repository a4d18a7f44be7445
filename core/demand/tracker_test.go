package demand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/smartcharge/core/model"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.SessionStarted("S1", 2, 11, "tx2", now)
	tr.SessionStarted("S1", 1, 22, "tx1", now.Add(time.Second))
	tr.SessionStarted("S2", 1, -5, "tx3", now)

	got := tr.ActiveDemand("S1")
	if assert.Len(t, got, 2) {
		assert.Equal(t, 1, got[0].ConnectorID)
		assert.Equal(t, 22.0, got[0].RequestedKW)
	}
	d, ok := tr.Session(model.ConnectorScope("S2", 1))
	assert.True(t, ok)
	assert.Zero(t, d.RequestedKW, "negative request is clamped")

	v := tr.Version("S1")
	assert.True(t, tr.MeterValue("S1", 1, 9.5))
	assert.Equal(t, v, tr.Version("S1"), "meter values do not change demand")
	assert.False(t, tr.MeterValue("S1", 9, 1))

	tr.SetAllocated(model.ConnectorScope("S1", 1), 7)
	d, _ = tr.Session(model.ConnectorScope("S1", 1))
	assert.Equal(t, 9.5, d.CurrentKW)
	assert.Equal(t, 7.0, d.AllocatedKW)

	assert.True(t, tr.UpdateRequested("S1", 1, 16))
	assert.False(t, tr.UpdateRequested("S1", 1, 16))
	assert.Greater(t, tr.Version("S1"), v)

	assert.True(t, tr.SessionEnded("S1", 2))
	assert.False(t, tr.SessionEnded("S1", 2))
	assert.Len(t, tr.ActiveDemand("S1"), 1)
	assert.Empty(t, tr.ActiveDemand("S9"))
}
