// Package fm is a small two-operator FM engine used when no SoundFont is
// available. Programs select the carrier waveform and modulator ratio;
// percussion channels get short, noisy voices.
package fm

import (
	"context"
	"fmt"
	"math"

	"github.com/Southclaws/fault"
)

const (
	twoPi = math.Pi * 2

	// Channels matches the General MIDI channel count.
	Channels = 16

	// ctx is polled once per block of frames.
	blockFrames = 1024
)

type Params struct {
	Polyphony   int
	CarrierMul  float64
	ModMul      float64
	ModIndex    float64
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	DrumDecay   float64
	MasterGain  float64
	VelocityAmp float64
	LPFCutoff   float64 // lowpass filter cutoff in Hz (0 = disabled)
}

func DefaultParams() Params {
	return Params{
		Polyphony:   64,
		CarrierMul:  1.0,
		ModMul:      2.0,
		ModIndex:    1.6,
		AttackSec:   0.005,
		DecaySec:    0.12,
		SustainLvl:  0.75,
		ReleaseSec:  0.2,
		DrumDecay:   0.15,
		MasterGain:  0.3,
		VelocityAmp: 0.8,
		LPFCutoff:   12000,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type channelState struct {
	program   int
	drum      bool
	bendRange int
	bend      float64 // -1..1
}

type voice struct {
	active   bool
	channel  int
	key      int
	velocity float64
	freq     float64
	carPhase float64
	modPhase float64
	modMul   float64
	waveform int
	env      float64
	state    envState
	drum     bool
	age      uint64
}

type Engine struct {
	sampleRate float64
	params     Params
	channels   [Channels]channelState
	voices     []voice
	clock      uint64
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
	noise      uint32
	closed     bool
}

func New(sampleRate int, params Params) *Engine {
	if params.Polyphony <= 0 {
		params.Polyphony = 64
	}
	e := &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Polyphony),
		noise:      0x7FFF,
	}
	for i := range e.channels {
		e.channels[i].bendRange = 2
	}
	if params.LPFCutoff > 0 && params.LPFCutoff < float64(sampleRate)/2 {
		rc := 1.0 / (twoPi * params.LPFCutoff)
		dt := 1.0 / float64(sampleRate)
		e.lpfAlpha = dt / (rc + dt)
	}
	return e
}

func (e *Engine) Channels() int { return Channels }

func (e *Engine) SelectProgram(channel int, bank int, program int) error {
	if channel < 0 || channel >= Channels {
		return fault.New(fmt.Sprintf("channel %d out of range", channel))
	}
	e.channels[channel].program = program
	e.channels[channel].drum = bank >= 128
	return nil
}

func (e *Engine) SetPitchBendRange(channel int, semitones int) {
	if channel < 0 || channel >= Channels {
		return
	}
	e.channels[channel].bendRange = semitones
}

func (e *Engine) PitchBend(channel int, value int) {
	if channel < 0 || channel >= Channels {
		return
	}
	e.channels[channel].bend = clamp(float64(value)/8192.0, -1, 1)
}

func (e *Engine) NoteOn(channel int, key int, velocity int) {
	if channel < 0 || channel >= Channels {
		return
	}
	if velocity <= 0 {
		e.NoteOff(channel, key)
		return
	}
	ch := &e.channels[channel]
	slot := e.stealVoice()
	e.clock++
	modMul := e.params.ModMul + float64(ch.program/8%4)*0.5
	e.voices[slot] = voice{
		active:   true,
		channel:  channel,
		key:      key,
		velocity: clamp(float64(velocity)/127.0, 0, 1),
		freq:     midiToFreq(key),
		modMul:   modMul,
		waveform: ch.program % 4,
		state:    envAttack,
		drum:     ch.drum,
		age:      e.clock,
	}
}

func (e *Engine) NoteOff(channel int, key int) {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.channel == channel && v.key == key && v.state < envRelease {
			v.state = envRelease
		}
	}
}

// Render fills dst with interleaved stereo frames.
func (e *Engine) Render(ctx context.Context, dst []float32) error {
	if e.closed {
		return fault.New("fm engine closed")
	}
	frames := len(dst) / 2
	for f := 0; f < frames; f++ {
		if f%blockFrames == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		l, r := e.renderFrame()
		dst[f*2] = l
		dst[f*2+1] = r
	}
	return nil
}

func (e *Engine) Close() error {
	e.closed = true
	e.voices = nil
	return nil
}

// ActiveVoiceCount returns the number of voices still sounding.
func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

func (e *Engine) renderFrame() (float32, float32) {
	var mix float64
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		e.advanceEnv(v)
		if v.state == envOff {
			v.active = false
			continue
		}
		ch := &e.channels[v.channel]
		freq := v.freq
		if ch.bend != 0 {
			freq *= math.Pow(2, ch.bend*float64(ch.bendRange)/12.0)
		}
		var sig float64
		if v.drum {
			sig = 0.5*e.noiseSample() + 0.5*math.Sin(v.carPhase)
		} else {
			mod := math.Sin(v.modPhase) * e.params.ModIndex * v.env
			sig = waveformSample(v.carPhase+mod, v.waveform)
		}
		mix += sig * v.env * (0.2 + v.velocity*e.params.VelocityAmp)

		v.carPhase += twoPi * freq * e.params.CarrierMul / e.sampleRate
		if v.carPhase > twoPi {
			v.carPhase -= twoPi
		}
		v.modPhase += twoPi * freq * v.modMul / e.sampleRate
		if v.modPhase > twoPi {
			v.modPhase -= twoPi
		}
	}
	mix *= e.params.MasterGain
	l, r := mix, mix
	if e.lpfAlpha > 0 {
		e.lpfL += e.lpfAlpha * (l - e.lpfL)
		e.lpfR += e.lpfAlpha * (r - e.lpfR)
		l, r = e.lpfL, e.lpfR
	}
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

func (e *Engine) advanceEnv(v *voice) {
	sr := e.sampleRate
	p := &e.params
	switch v.state {
	case envAttack:
		v.env += 1.0 / math.Max(p.AttackSec*sr, 1)
		if v.env >= 1 {
			v.env = 1
			v.state = envDecay
		}
	case envDecay:
		if v.drum {
			// drums decay to silence whether or not the note is still held
			v.env -= 1.0 / math.Max(p.DrumDecay*sr, 1)
			if v.env <= 0 {
				v.env = 0
				v.state = envOff
			}
			return
		}
		v.env -= (1 - p.SustainLvl) / math.Max(p.DecaySec*sr, 1)
		if v.env <= p.SustainLvl {
			v.env = p.SustainLvl
			v.state = envSustain
		}
	case envSustain:
	case envRelease:
		v.env -= math.Max(p.SustainLvl, 0.1) / math.Max(p.ReleaseSec*sr, 1)
		if v.env <= 0.0001 {
			v.env = 0
			v.state = envOff
		}
	case envOff:
		v.env = 0
	}
}

func (e *Engine) stealVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	oldest := 0
	for i := 1; i < len(e.voices); i++ {
		if e.voices[i].age < e.voices[oldest].age {
			oldest = i
		}
	}
	return oldest
}

func (e *Engine) noiseSample() float64 {
	e.noise = (e.noise >> 1) ^ (-(e.noise & 1) & 0xB400)
	return float64(e.noise)/float64(0x7FFF)*2.0 - 1.0
}

func waveformSample(phase float64, waveform int) float64 {
	switch waveform {
	case 1: // saw
		return 1.0 - 2.0*math.Mod(phase, twoPi)/twoPi
	case 2: // triangle
		return 2.0*math.Abs(2.0*math.Mod(phase, twoPi)/twoPi-1.0) - 1.0
	case 3: // square
		if math.Mod(phase, twoPi) < math.Pi {
			return 1.0
		}
		return -1.0
	default: // 0 = sine
		return math.Sin(phase)
	}
}

func midiToFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
