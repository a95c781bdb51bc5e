// Package sf2 renders through a SoundFont bank with meltysynth.
package sf2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Southclaws/fault"
	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/cbegin/midiroll/internal/errkind"
)

const (
	// meltysynth forces the bank of MIDI channel 10 into the percussion
	// range, so logical channels skip it and select drum kits by bank.
	percussionChannel = 9
	midiChannels      = 16

	Channels = midiChannels - 1

	blockFrames = 1024
)

// MIDI status bytes and controllers sent to the synthesizer.
const (
	statusControl    = 0xB0
	statusProgram    = 0xC0
	statusPitchBend  = 0xE0
	ccBankSelect     = 0x00
	ccDataEntry      = 0x06
	ccRPNLSB         = 0x64
	ccRPNMSB         = 0x65
	pitchBendCenter  = 8192
	pitchBendMaximum = 16383
)

// synthesizer is the part of *meltysynth.Synthesizer the engine drives.
type synthesizer interface {
	ProcessMidiMessage(channel int32, command int32, data1 int32, data2 int32)
	NoteOn(channel int32, key int32, velocity int32)
	NoteOff(channel int32, key int32)
	NoteOffAll(immediate bool)
	Render(left []float32, right []float32)
}

type Engine struct {
	synth       synthesizer
	left, right []float32
}

// Open loads a SoundFont from path.
func Open(path string, sampleRate int) (*Engine, error) {
	engines, err := OpenShared(path, sampleRate, 1)
	if err != nil {
		return nil, err
	}
	return engines[0], nil
}

// OpenShared loads a SoundFont from path once and creates n synthesizers
// over it, e.g. to feed a sequencer.MultiEngine.
func OpenShared(path string, sampleRate int, n int) ([]*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Resource, fmt.Sprintf("read soundfont %s", path))
	}
	if err := checkSampleRate(sampleRate); err != nil {
		return nil, err
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Resource, fmt.Sprintf("parse soundfont %s", path))
	}
	engines := make([]*Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := newEngine(sf, sampleRate)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// Load parses a SoundFont and creates a synthesizer at sampleRate.
func Load(r io.Reader, sampleRate int) (*Engine, error) {
	if err := checkSampleRate(sampleRate); err != nil {
		return nil, err
	}
	sf, err := meltysynth.NewSoundFont(r)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Resource, "parse soundfont")
	}
	return newEngine(sf, sampleRate)
}

func checkSampleRate(sampleRate int) error {
	if sampleRate <= 0 {
		return errkind.New(errkind.Configuration, fmt.Sprintf("sample rate must be positive, got %d", sampleRate))
	}
	return nil
}

func newEngine(sf *meltysynth.SoundFont, sampleRate int) (*Engine, error) {
	settings := meltysynth.NewSynthesizerSettings(int32(sampleRate))
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Resource, "create synthesizer")
	}
	return wrap(synth), nil
}

func wrap(synth synthesizer) *Engine {
	return &Engine{
		synth: synth,
		left:  make([]float32, blockFrames),
		right: make([]float32, blockFrames),
	}
}

// physical maps a logical channel onto a MIDI channel, skipping channel 10.
func physical(channel int) int32 {
	if channel >= percussionChannel {
		return int32(channel + 1)
	}
	return int32(channel)
}

func valid(channel int) bool {
	return channel >= 0 && channel < Channels
}

func (e *Engine) Channels() int { return Channels }

func (e *Engine) SelectProgram(channel int, bank int, program int) error {
	if e.synth == nil {
		return fault.New("synthesizer released")
	}
	if !valid(channel) {
		return fault.New(fmt.Sprintf("channel %d out of range [0, %d)", channel, Channels))
	}
	ch := physical(channel)
	e.synth.ProcessMidiMessage(ch, statusControl, ccBankSelect, int32(bank))
	e.synth.ProcessMidiMessage(ch, statusProgram, int32(program), 0)
	return nil
}

func (e *Engine) NoteOn(channel int, key int, velocity int) {
	if e.synth == nil || !valid(channel) || key < 0 || key > 127 {
		return
	}
	e.synth.NoteOn(physical(channel), int32(key), int32(velocity))
}

func (e *Engine) NoteOff(channel int, key int) {
	if e.synth == nil || !valid(channel) || key < 0 || key > 127 {
		return
	}
	e.synth.NoteOff(physical(channel), int32(key))
}

func (e *Engine) SetPitchBendRange(channel int, semitones int) {
	if e.synth == nil || !valid(channel) {
		return
	}
	ch := physical(channel)
	e.synth.ProcessMidiMessage(ch, statusControl, ccRPNMSB, 0)
	e.synth.ProcessMidiMessage(ch, statusControl, ccRPNLSB, 0)
	e.synth.ProcessMidiMessage(ch, statusControl, ccDataEntry, int32(semitones))
}

func (e *Engine) PitchBend(channel int, value int) {
	if e.synth == nil || !valid(channel) {
		return
	}
	v := value + pitchBendCenter
	if v < 0 {
		v = 0
	}
	if v > pitchBendMaximum {
		v = pitchBendMaximum
	}
	e.synth.ProcessMidiMessage(physical(channel), statusPitchBend, int32(v&0x7F), int32(v>>7))
}

// Render fills dst with interleaved stereo frames, one synthesizer block
// at a time.
func (e *Engine) Render(ctx context.Context, dst []float32) error {
	if e.synth == nil {
		return fault.New("synthesizer released")
	}
	frames := len(dst) / 2
	for done := 0; done < frames; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(blockFrames, frames-done)
		l, r := e.left[:n], e.right[:n]
		e.synth.Render(l, r)
		for i := 0; i < n; i++ {
			dst[(done+i)*2] = l[i]
			dst[(done+i)*2+1] = r[i]
		}
		done += n
	}
	return nil
}

// Close silences every voice and drops the synthesizer.
func (e *Engine) Close() error {
	if e.synth == nil {
		return nil
	}
	e.synth.NoteOffAll(true)
	e.synth = nil
	return nil
}
