package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("voicebridge", reg)

	c.SessionStateChanged("negotiating_downstream", "active")
	c.SessionStateChanged("negotiating_downstream", "active")
	c.SessionStateChanged("active", "closing")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stateTransitions.WithLabelValues("active")))

	c.FrameRelayed("mic")
	c.FrameDropped("mic", "backpressure")
	c.SilenceInserted("assistant", 300*time.Millisecond)
	c.RelayFault("mic")
	c.FunctionCallCompleted("send_to_nested", "ok")
	c.EventRecorded("transcription")
	c.PersistenceFailed()
	c.SessionCreateFinished("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("mic", "backpressure")))
	assert.InDelta(t, 0.3, testutil.ToFloat64(c.silenceSeconds.WithLabelValues("assistant")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.functionCalls.WithLabelValues("send_to_nested", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistenceFailures))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
}
