package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(metricCommands.WithLabelValues("MAIL"))
	CommandInc("MAIL")
	CommandInc("MAIL")
	if got := testutil.ToFloat64(metricCommands.WithLabelValues("MAIL")); got != before+2 {
		t.Errorf("expected %v MAIL commands, got %v", before+2, got)
	}

	before = testutil.ToFloat64(metricReplies.WithLabelValues("552"))
	ReplyInc(552)
	if got := testutil.ToFloat64(metricReplies.WithLabelValues("552")); got != before+1 {
		t.Errorf("expected %v 552 replies, got %v", before+1, got)
	}

	before = testutil.ToFloat64(metricConnectionsRefused.WithLabelValues("limit"))
	ConnectionRefusedInc("limit")
	if got := testutil.ToFloat64(metricConnectionsRefused.WithLabelValues("limit")); got != before+1 {
		t.Errorf("expected %v refused connections, got %v", before+1, got)
	}
}

func TestSessionGauge(t *testing.T) {
	active := testutil.ToFloat64(metricSessionsActive)
	ended := testutil.ToFloat64(metricSessions.WithLabelValues("quit"))

	SessionStarted()
	if got := testutil.ToFloat64(metricSessionsActive); got != active+1 {
		t.Errorf("expected %v active sessions, got %v", active+1, got)
	}
	SessionEnded("quit")
	if got := testutil.ToFloat64(metricSessionsActive); got != active {
		t.Errorf("expected %v active sessions, got %v", active, got)
	}
	if got := testutil.ToFloat64(metricSessions.WithLabelValues("quit")); got != ended+1 {
		t.Errorf("expected %v ended sessions, got %v", ended+1, got)
	}
}

func TestHistograms(t *testing.T) {
	MessageSizeObserve(4096)
	HookObserve("mail", "accept", 3*time.Millisecond)
	if n := testutil.CollectAndCount(metricHookDuration); n < 1 {
		t.Errorf("expected hook duration series, got %d", n)
	}
	if n := testutil.CollectAndCount(metricMessageSize); n != 1 {
		t.Errorf("expected one message size series, got %d", n)
	}
}
