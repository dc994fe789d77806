package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"sync"
)

const maxLineBytes = 64 * 1024

// heartbeat is one progress line printed by the engine on stdout:
//
//	{"progress": 40, "stage": "prioritising genes"}
type heartbeat struct {
	Progress *float64 `json:"progress"`
	Stage    string   `json:"stage"`
}

// parseHeartbeat returns the progress carried by line, if it is a heartbeat.
func parseHeartbeat(line []byte) (int, string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return 0, "", false
	}
	var hb heartbeat
	if err := json.Unmarshal(line, &hb); err != nil || hb.Progress == nil {
		return 0, "", false
	}
	p := *hb.Progress
	if math.IsNaN(p) {
		return 0, "", false
	}
	p = math.Max(0, math.Min(100, p))
	return int(p), hb.Stage, true
}

// heartbeatWriter copies engine stdout to the log and reports heartbeats line by line.
type heartbeatWriter struct {
	mu         sync.Mutex
	log        io.Writer
	onProgress func(int, string)
	buf        []byte
	// skipping drops the rest of a line that outgrew maxLineBytes.
	skipping bool
}

func newHeartbeatWriter(log io.Writer, onProgress func(int, string)) *heartbeatWriter {
	return &heartbeatWriter{log: log, onProgress: onProgress}
}

func (w *heartbeatWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.log.Write(p); err != nil {
		return 0, err
	}
	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			if !w.skipping {
				w.buf = append(w.buf, rest...)
				if len(w.buf) > maxLineBytes {
					w.buf = w.buf[:0]
					w.skipping = true
				}
			}
			break
		}
		if w.skipping {
			w.skipping = false
		} else {
			w.buf = append(w.buf, rest[:i]...)
			if len(w.buf) <= maxLineBytes {
				w.handle(w.buf)
			}
		}
		w.buf = w.buf[:0]
		rest = rest[i+1:]
	}
	return len(p), nil
}

// Flush handles a trailing line that had no newline.
func (w *heartbeatWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 && !w.skipping {
		w.handle(w.buf)
	}
	w.buf = w.buf[:0]
	w.skipping = false
}

func (w *heartbeatWriter) handle(line []byte) {
	if w.onProgress == nil {
		return
	}
	if pct, stage, ok := parseHeartbeat(line); ok {
		w.onProgress(pct, stage)
	}
}

// tailWriter copies engine stderr to the log and keeps its last bytes for error messages.
type tailWriter struct {
	mu   sync.Mutex
	log  io.Writer
	max  int
	tail []byte
}

func newTailWriter(log io.Writer, max int) *tailWriter {
	return &tailWriter{log: log, max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.log.Write(p); err != nil {
		return 0, err
	}
	w.tail = append(w.tail, p...)
	if over := len(w.tail) - w.max; over > 0 {
		w.tail = append(w.tail[:0], w.tail[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.tail))
}
