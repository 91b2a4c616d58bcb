package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordConnectionOpened()
	m.RecordTurnFinished(true, 1, 100)
	m.RecordMacroExpansion("exact")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestRecordTurns(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTurnStarted()
	m.RecordTurnStarted()
	m.RecordTurnFinished(false, 1.5, 48000)
	m.RecordTurnFinished(true, 0.5, 960)

	if got := testutil.ToFloat64(m.TurnsStarted); got != 2 {
		t.Errorf("Expected 2 turns started, got %v", got)
	}
	if got := testutil.ToFloat64(m.TurnsCompleted); got != 1 {
		t.Errorf("Expected 1 turn completed, got %v", got)
	}
	if got := testutil.ToFloat64(m.TurnsFailed); got != 1 {
		t.Errorf("Expected 1 turn failed, got %v", got)
	}
}

func TestRecordConnections(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed(12)

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("Expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsClosed); got != 1 {
		t.Errorf("Expected 1 closed connection, got %v", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordMacroExpansion("fuzzy")
	m.RecordMacroExpansion("fuzzy")
	m.RecordRefine(false, 0.2)
	m.RecordFrame(false)
	m.RecordVADEdge("speech_start")

	if got := testutil.ToFloat64(m.MacroExpansions.WithLabelValues("fuzzy")); got != 2 {
		t.Errorf("Expected 2 fuzzy expansions, got %v", got)
	}
	if got := testutil.ToFloat64(m.RefineRequests.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed refine, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %v", got)
	}
	if got := testutil.ToFloat64(m.VADEdges.WithLabelValues("speech_start")); got != 1 {
		t.Errorf("Expected 1 speech start, got %v", got)
	}
}
