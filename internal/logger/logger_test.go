package logger

import (
	"context"
	"testing"
)

func TestWithJob_And_JobFromContext(t *testing.T) {
	ctx := context.Background()
	jobName := "train-run-7"

	// Initially empty
	if got := JobFromContext(ctx); got != "" {
		t.Errorf("JobFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithJob(ctx, jobName)
	if got := JobFromContext(ctx); got != jobName {
		t.Errorf("JobFromContext() = %v, want %v", got, jobName)
	}
}

func TestFromContext_WithJob(t *testing.T) {
	base := New()
	ctx := context.Background()

	// Without job name - should return base logger (not nil)
	logger := FromContext(ctx, base)
	if logger == nil {
		t.Error("FromContext() returned nil")
	}

	// With job name - should return logger with job attached
	ctx = WithJob(ctx, "train-run-7")
	loggerWithJob := FromContext(ctx, base)
	if loggerWithJob == nil {
		t.Error("FromContext() with job returned nil")
	}
}

func TestNew_ReturnsLogger(t *testing.T) {
	logger := New()
	if logger == nil {
		t.Error("New() returned nil")
	}
}
