// Package emit provides event emission and observability for the durable
// step-execution runtime.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs.
//   - JSON mode: one JSON object per line (JSONL).
//
// Example text output:
//
//	[call_succeeded] runID=run-001 callID=c-1 seq=1 step=reserve phase=forward
//
// Example JSON output:
//
//	{"runID":"run-001","callID":"c-1","seq":1,"step":"reserve","phase":"forward","msg":"call_succeeded"}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// writer is where log output is written (defaults to os.Stdout if nil);
// jsonMode selects JSON lines over human-readable text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID    string                 `json:"runID"`
		CallID   string                 `json:"callID,omitempty"`
		SeqNo    int64                  `json:"seq,omitempty"`
		StepName string                 `json:"step,omitempty"`
		Phase    string                 `json:"phase,omitempty"`
		Msg      string                 `json:"msg"`
		Meta     map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID:    event.RunID,
		CallID:   event.CallID,
		SeqNo:    event.SeqNo,
		StepName: event.StepName,
		Phase:    event.Phase,
		Msg:      event.Msg,
		Meta:     event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] runID=%s", event.Msg, event.RunID)
	if event.CallID != "" {
		_, _ = fmt.Fprintf(l.writer, " callID=%s seq=%d step=%s phase=%s",
			event.CallID, event.SeqNo, event.StepName, event.Phase)
	}
	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes a run of events in order by calling Emit for each one.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously without internal
// buffering. Provided to satisfy Emitter for polymorphic use alongside
// emitters that do buffer (BufferedEmitter, OTelEmitter).
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
