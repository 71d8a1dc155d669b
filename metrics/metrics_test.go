package metrics

import (
	"testing"

	"github.com/opd-ai/obexd/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("opp", "Put")
	m.RecordResponse("opp", "Success")
	m.SessionOpened("opp")
	m.SessionClosed("opp")
	m.Notify(notify.Event{Kind: notify.KindTransferComplete})
}

func TestTransferCompletionRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Notify(notify.Event{
		Kind:        notify.KindTransferComplete,
		Profile:     notify.ProfileOPP,
		Direction:   notify.Inbound,
		Transferred: 1000,
		Success:     true,
	})
	m.Notify(notify.Event{Kind: notify.KindTransferProgress, Profile: notify.ProfileOPP, Transferred: 10})

	dir := notify.Inbound.String()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("opp", dir, "success")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.TransferBytes.WithLabelValues("opp", dir)))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.SessionOpened("pbap")
	second.SessionOpened("pbap")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.ActiveSessions.WithLabelValues("pbap")))
}
