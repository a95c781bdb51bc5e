package sequencer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cbegin/midiroll/internal/errkind"
	"github.com/cbegin/midiroll/internal/tempo"
	"github.com/cbegin/midiroll/internal/timeline"
)

type recordingEngine struct {
	calls     []string
	blocks    []int // frames per Render call
	level     float32
	channels  int
	selectErr error
	block     bool // Render waits for ctx
	closed    int
}

func (e *recordingEngine) SelectProgram(channel, bank, program int) error {
	e.calls = append(e.calls, fmt.Sprintf("program %d %d %d", channel, bank, program))
	return e.selectErr
}
func (e *recordingEngine) NoteOn(channel, key, velocity int) {
	e.calls = append(e.calls, fmt.Sprintf("on %d %d %d", channel, key, velocity))
}
func (e *recordingEngine) NoteOff(channel, key int) {
	e.calls = append(e.calls, fmt.Sprintf("off %d %d", channel, key))
}
func (e *recordingEngine) SetPitchBendRange(channel, semitones int) {
	e.calls = append(e.calls, fmt.Sprintf("range %d %d", channel, semitones))
}
func (e *recordingEngine) PitchBend(channel, value int) {
	e.calls = append(e.calls, fmt.Sprintf("bend %d %d", channel, value))
}
func (e *recordingEngine) Render(ctx context.Context, dst []float32) error {
	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}
	e.blocks = append(e.blocks, len(dst)/2)
	for i := range dst {
		dst[i] = e.level
	}
	return nil
}
func (e *recordingEngine) Channels() int { return e.channels }
func (e *recordingEngine) Close() error  { e.closed++; return nil }

func mustTempo(t *testing.T, end int) *tempo.Map {
	t.Helper()
	m, err := tempo.New(480, []tempo.Change{{Tick: 0, BPM: 120}}, end)
	if err != nil {
		t.Fatalf("tempo: %v", err)
	}
	return m
}

func TestRenderSingleNoteScenario(t *testing.T) {
	n := timeline.Note{Pitch: 60, Velocity: 100, Channel: 0, Start: 0, End: 480}
	tl := timeline.Build([]timeline.Note{n}, nil)
	insts := []timeline.Instrument{{Program: 0, Bank: timeline.BankMelodic, BendRange: 2}}
	engine := &recordingEngine{level: 0.5}
	seq := New(tl, insts, mustTempo(t, 480), engine, 44100)

	buf, err := seq.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	wantFrames := 22050 + 2*44100
	if len(buf) != wantFrames*2 {
		t.Fatalf("buffer frames = %d, want %d", len(buf)/2, wantFrames)
	}
	wantBlocks := []int{22050, 88200}
	if fmt.Sprint(engine.blocks) != fmt.Sprint(wantBlocks) {
		t.Fatalf("blocks = %v, want %v", engine.blocks, wantBlocks)
	}
	wantCalls := []string{"program 0 0 0", "on 0 60 100", "off 0 60"}
	if fmt.Sprint(engine.calls) != fmt.Sprint(wantCalls) {
		t.Fatalf("calls = %v, want %v", engine.calls, wantCalls)
	}
	if engine.closed != 1 {
		t.Fatalf("engine closed %d times, want 1", engine.closed)
	}
	if seq.state != stateDone {
		t.Fatalf("state = %v, want done", seq.state)
	}
}

func TestRenderPreRollAndBendOrder(t *testing.T) {
	notes := []timeline.Note{{Pitch: 64, Velocity: 90, Channel: 1, Start: 240, End: 480}}
	bends := []timeline.PitchBend{{Value: 4096, Channel: 1, Tick: 240}}
	tl := timeline.Build(notes, bends)
	insts := []timeline.Instrument{
		{Program: 0, Bank: timeline.BankMelodic, BendRange: 2},
		{Program: 33, Bank: timeline.BankMelodic, BendRange: 12},
	}
	engine := &recordingEngine{}
	seq := NewWithOptions(tl, insts, mustTempo(t, 480), engine, 48000, Options{TrailingPad: time.Second})
	if _, err := seq.Render(context.Background()); err != nil {
		t.Fatalf("render: %v", err)
	}
	wantBlocks := []int{12000, 12000, 48000}
	if fmt.Sprint(engine.blocks) != fmt.Sprint(wantBlocks) {
		t.Fatalf("blocks = %v, want %v", engine.blocks, wantBlocks)
	}
	want := []string{
		"program 0 0 0", "program 1 0 33",
		"range 1 12", "bend 1 4096", "on 1 64 90",
		"off 1 64",
	}
	if fmt.Sprint(engine.calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", engine.calls, want)
	}
}

func TestRenderTotalReconcilesWithTempoMap(t *testing.T) {
	// 7 ticks at 480 ppq / 120 bpm is not a whole number of frames; the
	// total must still match the tempo map.
	var notes []timeline.Note
	for i := 0; i < 50; i++ {
		notes = append(notes, timeline.Note{Pitch: 60, Start: i * 7, End: i*7 + 3})
	}
	tl := timeline.Build(notes, nil)
	end := tl.LastTick()
	tm := mustTempo(t, end)
	engine := &recordingEngine{}
	seq := NewWithOptions(tl, []timeline.Instrument{{BendRange: 2}}, tm, engine, 44100, Options{TrailingPad: time.Second})
	buf, err := seq.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := int(math.Round(tm.Duration()*44100)) + 44100
	if len(buf)/2 != want {
		t.Fatalf("frames = %d, want %d", len(buf)/2, want)
	}
	sum := 0
	for _, b := range engine.blocks {
		sum += b
	}
	if sum != want {
		t.Fatalf("block sum = %d, want %d", sum, want)
	}
}

func TestRenderEmptyTimelineIsPadOnly(t *testing.T) {
	engine := &recordingEngine{}
	seq := NewWithOptions(timeline.Build(nil, nil), nil, mustTempo(t, 0), engine, 1000, Options{TrailingPad: time.Second})
	buf, err := seq.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(buf) != 2000 {
		t.Fatalf("buffer len = %d, want 2000", len(buf))
	}
}

func TestRenderProgress(t *testing.T) {
	tl := timeline.Build([]timeline.Note{{Start: 0, End: 10}, {Start: 20, End: 30}}, nil)
	var got []int
	seq := NewWithOptions(tl, []timeline.Instrument{{}}, mustTempo(t, 30), &recordingEngine{}, 1000, Options{
		OnProgress: func(done, total int) {
			if total != 4 {
				t.Fatalf("total = %d, want 4", total)
			}
			got = append(got, done)
		},
	})
	if _, err := seq.Render(context.Background()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if fmt.Sprint(got) != "[1 2 3 4]" {
		t.Fatalf("progress = %v", got)
	}
}

func TestRenderSelectProgramFailureIsResourceError(t *testing.T) {
	tl := timeline.Build([]timeline.Note{{Start: 0, End: 10}}, nil)
	engine := &recordingEngine{selectErr: errors.New("no preset")}
	seq := New(tl, []timeline.Instrument{{}}, mustTempo(t, 10), engine, 1000)
	buf, err := seq.Render(context.Background())
	if !errkind.Is(err, errkind.Resource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if buf != nil {
		t.Fatalf("partial buffer returned on failure")
	}
	if engine.closed != 1 {
		t.Fatalf("engine not released on failure")
	}
}

func TestRenderTooManyInstruments(t *testing.T) {
	tl := timeline.Build([]timeline.Note{{Start: 0, End: 10}}, nil)
	engine := &recordingEngine{channels: 1}
	seq := New(tl, []timeline.Instrument{{}, {}}, mustTempo(t, 10), engine, 1000)
	if _, err := seq.Render(context.Background()); !errkind.Is(err, errkind.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if engine.closed != 1 {
		t.Fatalf("engine not released on failure")
	}
}

func TestRenderBlockTimeout(t *testing.T) {
	tl := timeline.Build([]timeline.Note{{Start: 0, End: 10}}, nil)
	engine := &recordingEngine{block: true}
	seq := NewWithOptions(tl, []timeline.Instrument{{}}, mustTempo(t, 10), engine, 1000, Options{BlockTimeout: 10 * time.Millisecond})
	_, err := seq.Render(context.Background())
	if !errkind.Is(err, errkind.Timeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if engine.closed != 1 {
		t.Fatalf("engine not released after timeout")
	}
}

func TestRenderCancelled(t *testing.T) {
	tl := timeline.Build([]timeline.Note{{Start: 0, End: 10}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := &recordingEngine{block: true}
	seq := NewWithOptions(tl, []timeline.Instrument{{}}, mustTempo(t, 10), engine, 1000, Options{BlockTimeout: -1})
	_, err := seq.Render(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errkind.Is(err, errkind.Timeout) {
		t.Fatalf("cancellation must not be reported as a timeout")
	}
}

func TestRenderInvalidSampleRate(t *testing.T) {
	seq := New(timeline.Build(nil, nil), nil, mustTempo(t, 0), &recordingEngine{}, 0)
	if _, err := seq.Render(context.Background()); !errkind.Is(err, errkind.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRenderRejectsMalformedTimeline(t *testing.T) {
	tl := &timeline.Timeline{Events: []timeline.Event{{Tick: 10}}}
	engine := &recordingEngine{}
	seq := New(tl, nil, mustTempo(t, 10), engine, 1000)
	if _, err := seq.Render(context.Background()); !errkind.Is(err, errkind.Data) {
		t.Fatalf("expected data error, got %v", err)
	}
	if engine.closed != 1 {
		t.Fatalf("engine not released on failure")
	}
}

func TestRenderLogsStateTransitions(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	n := timeline.Note{Pitch: 60, Velocity: 100, Start: 240, End: 480}
	tl := timeline.Build([]timeline.Note{n}, nil)
	insts := []timeline.Instrument{{BendRange: 2}}
	seq := NewWithOptions(tl, insts, mustTempo(t, 480), &recordingEngine{level: 0.5}, 1000, Options{Logger: logger})
	if _, err := seq.Render(context.Background()); err != nil {
		t.Fatalf("render: %v", err)
	}

	var states []string
	for _, line := range strings.Split(logs.String(), "\n") {
		if i := strings.Index(line, "state="); i >= 0 && strings.Contains(line, "sequencer state") {
			states = append(states, strings.Fields(line[i:])[0])
		}
	}
	want := []string{"state=pre-roll", "state=playing", "state=done"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestRenderFailureEndsDone(t *testing.T) {
	engine := &recordingEngine{selectErr: errors.New("bank missing")}
	insts := []timeline.Instrument{{BendRange: 2}}
	seq := New(timeline.Build(nil, nil), insts, mustTempo(t, 0), engine, 1000)
	if _, err := seq.Render(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if seq.state != stateDone || seq.state.String() != "done" {
		t.Fatalf("state = %v, want done", seq.state)
	}
}

func TestRenderNegativePadRendersNone(t *testing.T) {
	n := timeline.Note{Pitch: 60, Velocity: 100, Start: 0, End: 480}
	tl := timeline.Build([]timeline.Note{n}, nil)
	engine := &recordingEngine{level: 0.5}
	seq := NewWithOptions(tl, []timeline.Instrument{{BendRange: 2}}, mustTempo(t, 480), engine, 1000, Options{TrailingPad: -1})
	buf, err := seq.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(buf) != 2*500 {
		t.Fatalf("frames = %d, want 500", len(buf)/2)
	}
}
