package qos

import (
	"testing"
	"time"
)

func TestRttEstimatorInitialTimeout(t *testing.T) {
	e := NewRttEstimator()
	if e.Timeout() != defaultInitialRTO {
		t.Errorf("expected initial RTO %v, got %v", defaultInitialRTO, e.Timeout())
	}
}

func TestRttEstimatorFirstUpdate(t *testing.T) {
	e := NewRttEstimator()
	e.Update(100 * time.Millisecond)
	// SRTT=100ms, RTTVAR=50ms, RTO = 100 + 4*50 = 300ms
	if got := e.Timeout(); got != 300*time.Millisecond {
		t.Errorf("expected 300ms, got %v", got)
	}
}

func TestRttEstimatorClampsToBounds(t *testing.T) {
	e := NewRttEstimator()
	e.Update(1 * time.Microsecond)
	if e.Timeout() < minRTO {
		t.Errorf("expected RTO clamped to min %v, got %v", minRTO, e.Timeout())
	}

	e2 := NewRttEstimator()
	e2.Update(time.Minute)
	if e2.Timeout() > maxRTO {
		t.Errorf("expected RTO clamped to max %v, got %v", maxRTO, e2.Timeout())
	}
}
