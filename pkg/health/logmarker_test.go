package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xray.log")
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatalf("writing log: %v", err)
	}
	return path
}

func TestLogMarkerChecker_MarkerPresent(t *testing.T) {
	path := writeLog(t, "loading config\nXray 1.8.4 started\nserving\n")

	checker := NewLogMarkerChecker(path, "started")
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestLogMarkerChecker_MarkerAbsent(t *testing.T) {
	path := writeLog(t, "loading config\nfailed to bind\n")

	checker := NewLogMarkerChecker(path, "started")
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestLogMarkerChecker_MissingFile(t *testing.T) {
	checker := NewLogMarkerChecker(filepath.Join(t.TempDir(), "missing.log"), "started")
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy for missing log, got healthy")
	}
}

func TestLogMarkerChecker_MaxLines(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree started\n")

	checker := NewLogMarkerChecker(path, "started")
	checker.MaxLines = 2
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy when marker beyond MaxLines, got healthy")
	}
}

func TestLogMarkerChecker_Type(t *testing.T) {
	checker := NewLogMarkerChecker("/tmp/x", "started")
	if checker.Type() != CheckTypeLogMarker {
		t.Errorf("Expected type %s, got %s", CheckTypeLogMarker, checker.Type())
	}
}

func TestStatus_RetryThreshold(t *testing.T) {
	cfg := DefaultConfig()
	status := NewStatus()

	fail := Result{Healthy: false}
	for i := 0; i < cfg.Retries-1; i++ {
		status.Update(fail, cfg)
		if !status.Healthy {
			t.Fatalf("Marked unhealthy after %d failures, threshold is %d", i+1, cfg.Retries)
		}
	}

	status.Update(fail, cfg)
	if status.Healthy {
		t.Error("Expected unhealthy after reaching retry threshold")
	}

	status.Update(Result{Healthy: true}, cfg)
	if !status.Healthy {
		t.Error("Expected healthy after a success")
	}
}
