// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package completion

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/gputap/internal/cmdpool"
	"github.com/gogpu/gputap/internal/frametime"
	"github.com/gogpu/gputap/internal/packetio"
	"github.com/gogpu/gputap/internal/recording"
	"github.com/gogpu/gputap/internal/slot"
	"github.com/gogpu/gputap/internal/submit"
	"github.com/gogpu/gputap/internal/telemetrylog"
)

// fakeReader models a GPU whose queries have landed only for the slots
// marked in ready; every other slot reads back as not yet available.
type fakeReader struct {
	ready map[slot.ID]bool
	t0    uint64
	t1    uint64
}

func newFakeReader() *fakeReader {
	return &fakeReader{ready: make(map[slot.ID]bool), t0: 100, t1: 200}
}

func (r *fakeReader) ReadTimestamps(id slot.ID) (uint64, uint64, bool) {
	if !r.ready[id] {
		return 0, 0, false
	}
	return r.t0, r.t1, true
}

func (r *fakeReader) ReadStatistics(slot.ID) ([packetio.NumStatistics]uint64, bool) {
	return [packetio.NumStatistics]uint64{}, true
}

type fakeFile struct{ data []byte }

func (f *fakeFile) Write(p []byte) (int, error) { f.data = append(f.data, p...); return len(p), nil }
func (f *fakeFile) Sync() error                 { return nil }

type fakeFrametimeSink struct {
	sent       []uint64
	decrements int
}

func (f *fakeFrametimeSink) SendFrametime(ts uint64)     { f.sent = append(f.sent, ts) }
func (f *fakeFrametimeSink) DecrementCaptureFrames()     { f.decrements++ }

func setup() (*submit.Tracker, *slot.Manager, *recording.Tracker, *recording.ResetQueue, *frametime.Bridge, *packetio.Writer) {
	slots := slot.New(16)
	resetQ := recording.NewResetQueue()
	rec := recording.New()
	submits := submit.New()
	bridge := frametime.NewBridge()
	writer := packetio.NewWriter(&fakeFile{}, true)
	return submits, slots, rec, resetQ, bridge, writer
}

func TestPollDrainsCompletedSubmitAndRoutesFrametime(t *testing.T) {
	submits, slots, rec, resetQ, bridge, writer := setup()
	queue := submit.QueueHandle(1)
	cb := cmdpool.Handle(1)

	rec.Begin(cb, false, true, resetQ, slots, 4)
	rec.End(cb)
	ts := submits.QueueSubmit(queue, []cmdpool.Handle{cb}, 1000, rec)
	outer := ts.CBOuterSlots[0]
	final, hasFinal := submits.QueuePresent(queue, 2000)
	bridge.OnPresent(final, hasFinal)

	reader := newFakeReader()
	reader.ready[outer] = true

	eng := New(submits, slots, resetQ, bridge, writer, NewQueueIndexRegistry())
	sink := &fakeFrametimeSink{}
	eng.Frametimes = sink
	eng.Poll(reader)

	if got := slots.CurrentState(outer); got != slot.ReadyForResetIssue {
		t.Fatalf("completed outer slot state = %v, want ReadyForResetIssue", got)
	}
	if _, ok := submits.PeekHead(queue); ok {
		t.Fatal("both submits should have drained")
	}
	if len(sink.sent) != 1 || sink.sent[0] != reader.t1 {
		t.Fatalf("frametime sink got %v, want one entry = %d", sink.sent, reader.t1)
	}
	if sink.decrements != 1 {
		t.Fatalf("DecrementCaptureFrames called %d times, want 1", sink.decrements)
	}
}

func TestPollStopsAtFirstNotReadySubmit(t *testing.T) {
	var buf bytes.Buffer
	telemetrylog.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer telemetrylog.Set(nil)

	submits, slots, rec, resetQ, bridge, writer := setup()
	queue := submit.QueueHandle(1)
	cbA, cbB := cmdpool.Handle(1), cmdpool.Handle(2)

	rec.Begin(cbA, false, true, resetQ, slots, 4)
	rec.End(cbA)
	tsA := submits.QueueSubmit(queue, []cmdpool.Handle{cbA}, 1000, rec)

	rec.Begin(cbB, false, true, resetQ, slots, 4)
	rec.End(cbB)
	submits.QueueSubmit(queue, []cmdpool.Handle{cbB}, 1001, rec)

	reader := newFakeReader() // nothing ready

	eng := New(submits, slots, resetQ, bridge, writer, NewQueueIndexRegistry())
	eng.Poll(reader)

	head, ok := submits.PeekHead(queue)
	if !ok || head != tsA {
		t.Fatal("with nothing ready, the head submit must remain queued")
	}
	if !strings.Contains(buf.String(), ErrQueryNotReady.Error()) {
		t.Fatalf("expected log to mention %q, got: %s", ErrQueryNotReady, buf.String())
	}
}

func TestPollTreatsPresentOnlyAsTriviallyComplete(t *testing.T) {
	submits, slots, _, resetQ, bridge, writer := setup()
	queue := submit.QueueHandle(1)

	submits.QueuePresent(queue, 500)

	eng := New(submits, slots, resetQ, bridge, writer, NewQueueIndexRegistry())
	eng.Poll(newFakeReader())

	if _, ok := submits.PeekHead(queue); ok {
		t.Fatal("a present-only submit has no tracked ranges and must drain immediately")
	}
}
