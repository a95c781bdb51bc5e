// Package midiroll renders MIDI scores to normalized stereo PCM through a
// channel-based synthesis engine.
package midiroll

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"github.com/cbegin/midiroll/internal/condense"
	"github.com/cbegin/midiroll/internal/errkind"
	intfm "github.com/cbegin/midiroll/internal/fm"
	"github.com/cbegin/midiroll/internal/score"
	intseq "github.com/cbegin/midiroll/internal/sequencer"
	"github.com/cbegin/midiroll/internal/synth/sf2"
	"github.com/cbegin/midiroll/internal/tempo"
	"github.com/cbegin/midiroll/internal/timeline"
)

type Result struct {
	// Samples is interleaved stereo, normalized and scaled to int32.
	Samples     []int32
	SampleRate  int
	Instruments []timeline.Instrument
	Notes       []timeline.Note
	EndTick     int
	// Seconds is the time of EndTick; Duration adds the trailing pad.
	Seconds   float64
	Duration  float64
	Condensed bool
	Skipped   int
	// Silent is set when the render had no signal to normalize.
	Silent bool
}

// NewEngine opens the SoundFont at path, or the built-in FM engine when
// path is empty.
func NewEngine(soundFontPath string, sampleRate int) (intseq.Engine, error) {
	if soundFontPath == "" {
		return intfm.New(sampleRate, intfm.DefaultParams()), nil
	}
	e, err := sf2.Open(soundFontPath, sampleRate)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewMultiEngine mixes n engines of the same kind into one with n times the
// channels. A SoundFont is parsed once and shared.
func NewMultiEngine(soundFontPath string, sampleRate int, n int) (intseq.Engine, error) {
	if n <= 0 {
		return nil, errkind.New(errkind.Configuration, fmt.Sprintf("engine count must be positive, got %d", n))
	}
	if n == 1 {
		return NewEngine(soundFontPath, sampleRate)
	}
	engines := make([]intseq.Engine, 0, n)
	if soundFontPath == "" {
		for i := 0; i < n; i++ {
			engines = append(engines, intfm.New(sampleRate, intfm.DefaultParams()))
		}
	} else {
		synths, err := sf2.OpenShared(soundFontPath, sampleRate, n)
		if err != nil {
			return nil, err
		}
		for _, e := range synths {
			engines = append(engines, e)
		}
	}
	m, err := intseq.NewMultiEngine(engines...)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Configuration, "combine engines")
	}
	return m, nil
}

// Render condenses sc onto the engine's channels, builds the playback
// timeline and drives the engine through it. The engine is closed before
// Render returns.
func Render(ctx context.Context, sc *score.Score, engine intseq.Engine, opts ...Option) (*Result, error) {
	cfg := newConfig(opts)
	res, err := render(ctx, sc, engine, cfg)
	if err != nil {
		cfg.Logger.Error("render failed", "error", err)
		return nil, err
	}
	return res, nil
}

func render(ctx context.Context, sc *score.Score, engine intseq.Engine, cfg Config) (*Result, error) {
	// Until the sequencer takes ownership the engine is ours to release.
	owned := true
	defer func() {
		if owned {
			_ = engine.Close()
		}
	}()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, errkind.New(errkind.Data, "nil score")
	}
	log := cfg.Logger

	cond, err := condense.Condense(sc.Tracks, condense.Config{
		Budget:       cfg.Budget,
		Transpose:    cfg.Transpose,
		ChannelLimit: engine.Channels(),
	}, log)
	if err != nil {
		return nil, err
	}
	tm, err := tempo.New(sc.TicksPerQuarter, sc.Tempo, cond.EndTick)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("build tempo map"))
	}
	tl := timeline.Build(cond.Notes, cond.Bends)
	log.Debug("built timeline", "events", tl.Len(), "end_tick", cond.EndTick)

	// the sequencer reads 0 as its default pad
	pad := cfg.TrailingPad
	if pad == 0 {
		pad = -1
	}
	seq := intseq.NewWithOptions(tl, cond.Instruments, tm, engine, cfg.SampleRate, intseq.Options{
		TrailingPad:  pad,
		BlockTimeout: cfg.BlockTimeout,
		OnProgress:   cfg.OnProgress,
		Logger:       log,
	})
	owned = false
	buf, err := seq.Render(ctx)
	if err != nil {
		return nil, err
	}

	silent := !intseq.Normalize(buf)
	if silent {
		log.Warn("skipping normalization", "error", errkind.New(errkind.Degenerate, "render produced silence"))
	}
	return &Result{
		Samples:     intseq.Quantize(buf, cfg.Volume),
		SampleRate:  cfg.SampleRate,
		Instruments: cond.Instruments,
		Notes:       cond.Notes,
		EndTick:     cond.EndTick,
		Seconds:     tm.Duration(),
		Duration:    tm.Duration() + cfg.TrailingPad.Seconds(),
		Condensed:   cond.Condensed,
		Skipped:     cond.Skipped,
		Silent:      silent,
	}, nil
}

// RenderFile loads a Standard MIDI File and renders it with the SoundFont
// at soundFontPath, or the built-in FM engine when that is empty.
func RenderFile(ctx context.Context, midiPath, soundFontPath string, opts ...Option) (*Result, error) {
	cfg := newConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := score.ReadFile(midiPath)
	if err != nil {
		return nil, err
	}
	engine, err := NewMultiEngine(soundFontPath, cfg.SampleRate, cfg.Engines)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("rendering", "midi", midiPath, "soundfont", soundFontPath, "tracks", len(sc.Tracks), "end_tick", sc.EndTick())
	return Render(ctx, sc, engine, WithConfig(cfg))
}

// EncodeWAVInt32LE encodes 32-bit integer PCM.
func EncodeWAVInt32LE(samples []int32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], uint32(s))
	}
	return out
}

// WriteWAV writes the result as a stereo 32-bit WAV file.
func WriteWAV(path string, res *Result) error {
	data := EncodeWAVInt32LE(res.Samples, res.SampleRate, 2)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errkind.Wrap(err, errkind.Resource, "write wav "+path)
	}
	return nil
}

type noteJSON struct {
	Pitch    int `json:"pitch"`
	Velocity int `json:"velocity"`
	Channel  int `json:"channel"`
	Start    int `json:"start_tick"`
	End      int `json:"end_tick"`
}

type notesJSON struct {
	Duration    float64               `json:"duration"`
	EndTick     int                   `json:"end_tick"`
	Instruments []timeline.Instrument `json:"instruments"`
	Notes       []noteJSON            `json:"notes"`
}

// WriteNotes writes the resolved note list and duration as JSON, the input
// a piano-roll renderer needs.
func WriteNotes(w io.Writer, res *Result) error {
	doc := notesJSON{
		Duration:    res.Duration,
		EndTick:     res.EndTick,
		Instruments: res.Instruments,
		Notes:       make([]noteJSON, len(res.Notes)),
	}
	for i, n := range res.Notes {
		doc.Notes[i] = noteJSON(n)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return errkind.Wrap(err, errkind.Resource, "encode notes")
	}
	return nil
}

// float32Samples undoes the int32 scaling for playback.
func float32Samples(samples []int32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) / math.MaxInt32)
	}
	return out
}
