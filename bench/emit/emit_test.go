package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sampleEvent() Event {
	return Event{
		TS:       time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		RunID:    "run-1",
		Persona:  "p1",
		Case:     "t1",
		Scale:    "in",
		Attempt:  1,
		Model:    "test-model",
		Prompt:   "Wie ordentlich ist die Person?",
		Response: `{"rating": 4}`,
		Rating:   4,
		GenMS:    812,
		OK:       true,
	}
}

func TestLogEmitterJSONL(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(sampleEvent())
	fail := sampleEvent()
	fail.OK = false
	fail.Rating = 0
	fail.Error = "parse_error"
	emitter.Emit(fail)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("first line not valid JSON: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Rating != 4 || !decoded.OK {
		t.Errorf("round trip lost fields: %+v", decoded)
	}

	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("second line not valid JSON: %v", err)
	}
	if decoded.Error != "parse_error" || decoded.OK {
		t.Errorf("failure fields lost: %+v", decoded)
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)
	emitter.Emit(sampleEvent())

	out := buf.String()
	for _, want := range []string{"[llm_call]", "run=run-1", "persona=p1", "rating=4", "ok=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "Wie ordentlich") {
		t.Error("text mode should not include the prompt body")
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	ev := sampleEvent()
	emitter.Emit(ev)
	ev.Persona = "p2"
	ev.OK = false
	ev.Error = "out_of_range"
	emitter.Emit(ev)
	other := sampleEvent()
	other.RunID = "run-2"
	emitter.Emit(other)

	if got := len(emitter.History("run-1")); got != 2 {
		t.Errorf("History(run-1) = %d events, want 2", got)
	}
	if got := len(emitter.History("run-2")); got != 1 {
		t.Errorf("History(run-2) = %d events, want 1", got)
	}

	failed := emitter.HistoryWithFilter("run-1", HistoryFilter{FailedOnly: true})
	if len(failed) != 1 || failed[0].Error != "out_of_range" {
		t.Errorf("FailedOnly filter wrong: %v", failed)
	}
	byPersona := emitter.HistoryWithFilter("run-1", HistoryFilter{Persona: "p1"})
	if len(byPersona) != 1 {
		t.Errorf("persona filter returned %d events, want 1", len(byPersona))
	}

	emitter.Clear("run-1")
	if got := len(emitter.History("run-1")); got != 0 {
		t.Errorf("history survived clear: %d", got)
	}
	if got := len(emitter.History("run-2")); got != 1 {
		t.Errorf("unrelated run cleared: %d", got)
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	emitter := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				emitter.Emit(sampleEvent())
			}
		}()
	}
	wg.Wait()
	if got := len(emitter.History("run-1")); got != 1000 {
		t.Errorf("expected 1000 events, got %d", got)
	}
}

func TestOTelEmitterSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(tp.Tracer("biasbench-test"))

	emitter.Emit(sampleEvent())
	fail := sampleEvent()
	fail.OK = false
	fail.Error = "transport_error"
	emitter.Emit(fail)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "llm_call" {
		t.Errorf("span name = %q", spans[0].Name())
	}

	var foundRun bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "biasbench.run_id" && attr.Value.AsString() == "run-1" {
			foundRun = true
		}
	}
	if !foundRun {
		t.Error("run_id attribute missing from span")
	}
	if spans[1].Status().Description != "transport_error" {
		t.Errorf("error span status = %+v", spans[1].Status())
	}
}

func TestNullEmitter(t *testing.T) {
	// Must not panic and must accept any event.
	emitter := NewNullEmitter()
	emitter.Emit(Event{})
	emitter.Emit(sampleEvent())
}
