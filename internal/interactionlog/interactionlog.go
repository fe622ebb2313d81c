// Package interactionlog writes one line per REQUEST and per RESPONSE to a
// size-rotated text file, appended in chronological order (oldest first).
package interactionlog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log appends request/response entries to a rotating text file. Rotation
// is delegated to lumberjack: at 5 MiB the active file is renamed to a
// backup whose name carries a rotation timestamp (not a numbered .1, .2, ...
// suffix), and backups beyond the 10 most recent are removed.
type Log struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// New opens (or creates) the interaction log at path.
func New(path string) *Log {
	return &Log{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    5, // MiB
			MaxBackups: 10,
			Compress:   false,
		},
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	return l.writer.Close()
}

// WriteRequest logs an inbound request body under a correlation id.
func (l *Log) WriteRequest(requestID string, body []byte) {
	l.writeEntry("REQUEST", requestID, string(body))
}

// WriteResponse logs an outbound response body (or accumulated stream
// text) under the same correlation id as its request.
func (l *Log) WriteResponse(requestID string, body string) {
	l.writeEntry("RESPONSE", requestID, body)
}

func (l *Log) writeEntry(kind, requestID, body string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("[%s] %s %s %s\n", time.Now().Format(time.RFC3339Nano), kind, requestID, sanitize(body))
	_, _ = l.writer.Write([]byte(line))
}

// sanitize collapses embedded newlines so one log write stays one line.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", " "), "\n", " ")
}

// ErrorWindow is one error-level entry plus up to two preceding lines, for
// the /api/error_logs admin endpoint.
type ErrorWindow struct {
	Lines []string `json:"lines"`
}

// ErrorWindows scans path for lines containing "ERROR" (case-sensitive,
// matching how this log marks failures) and returns up to limit windows,
// most-recent first, each with up to 2 lines of preceding context.
func ErrorWindows(path string, limit int) ([]ErrorWindow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var windows []ErrorWindow
	for i := len(all) - 1; i >= 0 && len(windows) < limit; i-- {
		if !strings.Contains(all[i], "ERROR") {
			continue
		}
		start := i - 2
		if start < 0 {
			start = 0
		}
		windows = append(windows, ErrorWindow{Lines: append([]string(nil), all[start:i+1]...)})
	}
	return windows, nil
}

// WriteError logs an entry tagged ERROR under requestID so ErrorWindows can
// find it later.
func (l *Log) WriteError(requestID string, body string) {
	l.writeEntry("ERROR", requestID, body)
}
