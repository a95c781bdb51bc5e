package fm

import (
	"context"
	"errors"
	"testing"
)

func energy(buf []float32) float64 {
	var sum float64
	for _, s := range buf {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum
}

func TestEngineGeneratesSignal(t *testing.T) {
	e := New(48000, DefaultParams())
	if err := e.SelectProgram(0, 0, 0); err != nil {
		t.Fatalf("select program: %v", err)
	}
	e.NoteOn(0, 60, 100)
	buf := make([]float32, 5000*2)
	if err := e.Render(context.Background(), buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	if energy(buf) == 0 {
		t.Fatalf("expected non-zero output")
	}
}

func TestSilentWithoutNotes(t *testing.T) {
	e := New(48000, DefaultParams())
	buf := make([]float32, 4096)
	if err := e.Render(context.Background(), buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	if energy(buf) != 0 {
		t.Fatalf("expected silence")
	}
}

func TestNoteOffReleasesVoice(t *testing.T) {
	e := New(48000, DefaultParams())
	e.NoteOn(3, 64, 127)
	buf := make([]float32, 2048)
	_ = e.Render(context.Background(), buf)
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("expected 1 active voice, got %d", e.ActiveVoiceCount())
	}
	e.NoteOff(3, 64)
	// release is 0.2s
	tail := make([]float32, 48000*2)
	_ = e.Render(context.Background(), tail)
	if e.ActiveVoiceCount() != 0 {
		t.Fatalf("voice still active after release, count=%d", e.ActiveVoiceCount())
	}
}

func TestNoteOffOnlyMatchesChannel(t *testing.T) {
	e := New(48000, DefaultParams())
	e.NoteOn(0, 60, 100)
	e.NoteOn(1, 60, 100)
	e.NoteOff(1, 60)
	tail := make([]float32, 48000*2)
	_ = e.Render(context.Background(), tail)
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("expected the channel 0 voice to keep sounding, count=%d", e.ActiveVoiceCount())
	}
}

func TestDrumVoicesDecayWhileHeld(t *testing.T) {
	e := New(48000, DefaultParams())
	if err := e.SelectProgram(0, 128, 0); err != nil {
		t.Fatalf("select program: %v", err)
	}
	e.NoteOn(0, 36, 120)
	buf := make([]float32, 48000*2)
	_ = e.Render(context.Background(), buf)
	if e.ActiveVoiceCount() != 0 {
		t.Fatalf("drum voice should decay without note off")
	}
	if energy(buf) == 0 {
		t.Fatalf("expected drum output")
	}
}

func TestPitchBendChangesOutput(t *testing.T) {
	render := func(bend int) []float32 {
		e := New(48000, DefaultParams())
		e.SetPitchBendRange(0, 12)
		e.PitchBend(0, bend)
		e.NoteOn(0, 57, 100)
		buf := make([]float32, 4096)
		_ = e.Render(context.Background(), buf)
		return buf
	}
	flat, bent := render(0), render(8191)
	same := true
	for i := range flat {
		if flat[i] != bent[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("pitch bend had no effect")
	}
}

func TestRenderHonoursContext(t *testing.T) {
	e := New(48000, DefaultParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Render(ctx, make([]float32, 4096))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSelectProgramRejectsBadChannel(t *testing.T) {
	e := New(48000, DefaultParams())
	if err := e.SelectProgram(Channels, 0, 0); err == nil {
		t.Fatalf("expected error for channel %d", Channels)
	}
}

func TestRenderAfterClose(t *testing.T) {
	e := New(48000, DefaultParams())
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Render(context.Background(), make([]float32, 16)); err == nil {
		t.Fatalf("expected error rendering a closed engine")
	}
}
