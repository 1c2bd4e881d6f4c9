package health

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// LogMarkerChecker reports the process-ready signal: whether the managed
// process has written its "started" marker to its log file since the file
// was last truncated. Port reachability alone is not enough; a proxy in
// front of a dead core still accepts connections.
type LogMarkerChecker struct {
	// Path is the log file to scan.
	Path string

	// Marker is the substring that signals successful startup
	// (e.g. xray's "started" line).
	Marker string

	// MaxLines bounds the scan; 0 means scan the whole file.
	MaxLines int
}

// NewLogMarkerChecker creates a log-marker checker.
func NewLogMarkerChecker(path, marker string) *LogMarkerChecker {
	return &LogMarkerChecker{Path: path, Marker: marker}
}

// Check scans the log file for the marker.
func (l *LogMarkerChecker) Check(ctx context.Context) Result {
	start := time.Now()

	f, err := os.Open(l.Path)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("log not readable: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return Result{
				Healthy:   false,
				Message:   "check cancelled",
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		if strings.Contains(scanner.Text(), l.Marker) {
			return Result{
				Healthy:   true,
				Message:   fmt.Sprintf("marker %q found in %s", l.Marker, l.Path),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		lines++
		if l.MaxLines > 0 && lines >= l.MaxLines {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("scanning log: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   false,
		Message:   fmt.Sprintf("marker %q not found in %s", l.Marker, l.Path),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (l *LogMarkerChecker) Type() CheckType {
	return CheckTypeLogMarker
}
