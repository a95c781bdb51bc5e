package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"github.com/cbegin/midiroll/internal/errkind"
	"github.com/cbegin/midiroll/internal/tempo"
	"github.com/cbegin/midiroll/internal/timeline"
)

// Engine is a channel-based synthesis engine. Calls are synchronous; the
// sequencer owns the engine for one render and closes it when done.
type Engine interface {
	SelectProgram(channel int, bank int, program int) error
	NoteOn(channel int, key int, velocity int)
	NoteOff(channel int, key int)
	// SetPitchBendRange sets the bend range in semitones for later PitchBend calls.
	SetPitchBendRange(channel int, semitones int)
	// PitchBend applies a signed 14-bit bend, -8192..8191.
	PitchBend(channel int, value int)
	// Render fills dst with len(dst)/2 interleaved stereo frames. It should
	// return ctx.Err() promptly once ctx is done.
	Render(ctx context.Context, dst []float32) error
	// Channels is the engine's hard channel limit.
	Channels() int
	Close() error
}

const (
	DefaultTrailingPad  = 2 * time.Second
	DefaultBlockTimeout = 30 * time.Second
)

type Options struct {
	TrailingPad  time.Duration // silence after the last event (0 = DefaultTrailingPad, <0 = none)
	BlockTimeout time.Duration // per block request (0 = DefaultBlockTimeout, <0 = none)
	OnProgress   func(done int, total int)
	Logger       *slog.Logger
}

type state int

const (
	statePreRoll state = iota
	statePlaying
	stateDone
)

func (s state) String() string {
	switch s {
	case statePreRoll:
		return "pre-roll"
	case statePlaying:
		return "playing"
	case stateDone:
		return "done"
	}
	return "unknown"
}

type Sequencer struct {
	timeline     *timeline.Timeline
	instruments  []timeline.Instrument
	tempo        *tempo.Map
	engine       Engine
	sampleRate   int
	trailingPad  time.Duration
	blockTimeout time.Duration
	onProgress   func(int, int)
	logger       *slog.Logger
	state        state
	index        int
}

func New(tl *timeline.Timeline, instruments []timeline.Instrument, tm *tempo.Map, engine Engine, sampleRate int) *Sequencer {
	return NewWithOptions(tl, instruments, tm, engine, sampleRate, Options{})
}

func NewWithOptions(tl *timeline.Timeline, instruments []timeline.Instrument, tm *tempo.Map, engine Engine, sampleRate int, opts Options) *Sequencer {
	pad := opts.TrailingPad
	switch {
	case pad == 0:
		pad = DefaultTrailingPad
	case pad < 0:
		pad = 0
	}
	timeout := opts.BlockTimeout
	if timeout == 0 {
		timeout = DefaultBlockTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		timeline:     tl,
		instruments:  instruments,
		tempo:        tm,
		engine:       engine,
		sampleRate:   sampleRate,
		trailingPad:  pad,
		blockTimeout: timeout,
		onProgress:   opts.OnProgress,
		logger:       logger,
	}
}

// Frames is the total rendered length in stereo frames: leading silence,
// every event gap, and the trailing pad.
func (s *Sequencer) Frames() (int, error) {
	last := 0
	if s.timeline.Len() > 0 {
		var err error
		last, err = s.position(s.timeline.LastTick())
		if err != nil {
			return 0, err
		}
	}
	return last + s.padFrames(), nil
}

// Render drives the engine through the timeline and returns the raw
// interleaved stereo buffer. The engine is closed on every path; on error
// no buffer is returned.
func (s *Sequencer) Render(ctx context.Context) (out []float32, err error) {
	defer func() {
		if cerr := s.engine.Close(); cerr != nil && err == nil {
			err = errkind.Wrap(cerr, errkind.Resource, "release synthesis engine")
		}
		s.setState(stateDone)
		if err != nil {
			out = nil
		}
	}()
	if s.sampleRate <= 0 {
		return nil, errkind.New(errkind.Configuration, fmt.Sprintf("sample rate must be positive, got %d", s.sampleRate))
	}
	if err := s.timeline.Validate(); err != nil {
		return nil, err
	}
	if n := s.engine.Channels(); n > 0 && len(s.instruments) > n {
		return nil, errkind.New(errkind.Configuration, fmt.Sprintf("%d instruments exceed %d engine channels", len(s.instruments), n))
	}
	for ch, inst := range s.instruments {
		if err := s.engine.SelectProgram(ch, inst.Bank, inst.Program); err != nil {
			return nil, errkind.Wrap(err, errkind.Resource, fmt.Sprintf("select program %d bank %d on channel %d", inst.Program, inst.Bank, ch))
		}
	}

	total, err := s.Frames()
	if err != nil {
		return nil, err
	}
	buf := make([]float32, total*2)

	s.setState(statePreRoll)
	pos := 0
	if s.timeline.Len() > 0 {
		pos, err = s.position(s.timeline.FirstTick())
		if err != nil {
			return nil, err
		}
	}
	if err := s.renderBlock(ctx, buf[:pos*2]); err != nil {
		return nil, err
	}

	s.setState(statePlaying)
	events := s.timeline.Events
	for s.index = 0; s.index < len(events); s.index++ {
		ev := &events[s.index]
		s.apply(ev)

		next := pos + s.padFrames()
		if s.index+1 < len(events) {
			next, err = s.position(events[s.index+1].Tick)
			if err != nil {
				return nil, err
			}
		}
		if err := s.renderBlock(ctx, buf[pos*2:next*2]); err != nil {
			return nil, fault.Wrap(err, fmsg.With(fmt.Sprintf("render event %d at tick %d", s.index, ev.Tick)))
		}
		pos = next
		if s.onProgress != nil {
			s.onProgress(s.index+1, len(events))
		}
	}
	if len(events) == 0 {
		if err := s.renderBlock(ctx, buf); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("rendered timeline", "events", len(events), "frames", total)
	return buf, nil
}

func (s *Sequencer) setState(st state) {
	s.state = st
	s.logger.Debug("sequencer state", "state", st.String(), "event", s.index)
}

// apply sends one event to the engine: bends first, then note actions.
func (s *Sequencer) apply(ev *timeline.Event) {
	for _, pb := range ev.Bends {
		s.engine.SetPitchBendRange(pb.Channel, s.instruments[pb.Channel].BendRange)
		s.engine.PitchBend(pb.Channel, pb.Value)
	}
	for _, na := range ev.Notes {
		switch na.Action {
		case timeline.Play:
			s.engine.NoteOn(na.Note.Channel, na.Note.Pitch, na.Note.Velocity)
		case timeline.Stop:
			s.engine.NoteOff(na.Note.Channel, na.Note.Pitch)
		}
	}
}

func (s *Sequencer) renderBlock(ctx context.Context, dst []float32) error {
	if len(dst) == 0 {
		return nil
	}
	bctx := ctx
	if s.blockTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, s.blockTimeout)
		defer cancel()
	}
	err := s.engine.Render(bctx, dst)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fault.Wrap(ctx.Err(), fmsg.With("render cancelled"))
	case errors.Is(err, context.DeadlineExceeded):
		return errkind.Wrap(err, errkind.Timeout, fmt.Sprintf("synthesis block of %d frames exceeded %s", len(dst)/2, s.blockTimeout))
	}
	return errkind.Wrap(err, errkind.Resource, "synthesis engine render")
}

// position is the absolute frame index of tick. Gaps are differences of
// absolute positions so the total never drifts from the tempo map.
func (s *Sequencer) position(tick int) (int, error) {
	sec, err := s.tempo.Seconds(tick)
	if err != nil {
		return 0, err
	}
	return int(math.Round(sec * float64(s.sampleRate))), nil
}

func (s *Sequencer) padFrames() int {
	return int(math.Round(s.trailingPad.Seconds() * float64(s.sampleRate)))
}
