package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogEmitter implements Emitter by writing events to a writer.
//
// Supports two output modes:
//   - JSON mode: one event per line (JSONL), machine-readable
//   - Text mode: human-readable key=value summary without the full
//     prompt and response bodies
//
// Example JSON output:
//
//	{"ts":"2026-08-24T10:00:00Z","run_id":"run-1","persona":"p1","case":"t1","scale":"in","attempt":1,"model":"m","prompt":"…","response":"…","rating":4,"gen_ms":812,"ok":true}
//
// Example text output:
//
//	[llm_call] run=run-1 persona=p1 case=t1 scale=in attempt=1 ok=true rating=4 gen_ms=812
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer. A
// nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// NewPromptLog creates a JSONL emitter backed by a size-rotated file
// under dir. Rotation keeps a handful of compressed backups so
// long-running benchmark hosts do not fill their disk with prompt
// logs.
func NewPromptLog(dir, runID string) *LogEmitter {
	return NewLogEmitter(&lumberjack.Logger{
		Filename:   filepath.Join(dir, fmt.Sprintf("prompts-%s.jsonl", runID)),
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		Compress:   true,
	}, true)
}

// Emit writes the event. Write failures are dropped; the side channel
// never propagates errors into the pipeline.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(l.writer, "%s\n", data)
		return
	}
	_, _ = fmt.Fprintf(l.writer,
		"[llm_call] run=%s persona=%s case=%s scale=%s attempt=%d ok=%t rating=%d gen_ms=%d",
		event.RunID, event.Persona, event.Case, event.Scale, event.Attempt,
		event.OK, event.Rating, event.GenMS)
	if event.Error != "" {
		_, _ = fmt.Fprintf(l.writer, " error=%s", event.Error)
	}
	_, _ = fmt.Fprintln(l.writer)
}
