package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
)

// MultiEngine spreads a wide channel space across several engines and
// mixes their output. Channel numbers are assigned in order: the first
// engine owns channels [0, n0), the second [n0, n0+n1), and so on.
type MultiEngine struct {
	engines []Engine
	offsets []int
	total   int
	scratch []float32
}

// NewMultiEngine creates a MultiEngine. Engines reporting zero channels are
// rejected since their share of the channel space would be unbounded.
func NewMultiEngine(engines ...Engine) (*MultiEngine, error) {
	if len(engines) == 0 {
		return nil, fault.New("multi engine needs at least one engine")
	}
	m := &MultiEngine{engines: engines, offsets: make([]int, len(engines))}
	for i, e := range engines {
		n := e.Channels()
		if n <= 0 {
			return nil, fault.New(fmt.Sprintf("engine %d reports no channel limit", i))
		}
		m.offsets[i] = m.total
		m.total += n
	}
	return m, nil
}

// route returns the engine owning channel and the channel local to it.
func (m *MultiEngine) route(channel int) (Engine, int, bool) {
	if channel < 0 || channel >= m.total {
		return nil, 0, false
	}
	for i := len(m.offsets) - 1; i >= 0; i-- {
		if channel >= m.offsets[i] {
			return m.engines[i], channel - m.offsets[i], true
		}
	}
	return nil, 0, false
}

func (m *MultiEngine) Channels() int { return m.total }

func (m *MultiEngine) SelectProgram(channel int, bank int, program int) error {
	e, local, ok := m.route(channel)
	if !ok {
		return fault.New(fmt.Sprintf("channel %d out of range [0, %d)", channel, m.total))
	}
	return e.SelectProgram(local, bank, program)
}

func (m *MultiEngine) NoteOn(channel int, key int, velocity int) {
	if e, local, ok := m.route(channel); ok {
		e.NoteOn(local, key, velocity)
	}
}

func (m *MultiEngine) NoteOff(channel int, key int) {
	if e, local, ok := m.route(channel); ok {
		e.NoteOff(local, key)
	}
}

func (m *MultiEngine) SetPitchBendRange(channel int, semitones int) {
	if e, local, ok := m.route(channel); ok {
		e.SetPitchBendRange(local, semitones)
	}
}

func (m *MultiEngine) PitchBend(channel int, value int) {
	if e, local, ok := m.route(channel); ok {
		e.PitchBend(local, value)
	}
}

// Render sums every engine's block into dst.
func (m *MultiEngine) Render(ctx context.Context, dst []float32) error {
	if cap(m.scratch) < len(dst) {
		m.scratch = make([]float32, len(dst))
	}
	tmp := m.scratch[:len(dst)]
	clear(dst)
	for i, e := range m.engines {
		if err := e.Render(ctx, tmp); err != nil {
			return fault.Wrap(err, fmsg.With(fmt.Sprintf("engine %d", i)))
		}
		for j, v := range tmp {
			dst[j] += v
		}
	}
	return nil
}

// Close closes every engine and joins their errors.
func (m *MultiEngine) Close() error {
	var errs []error
	for _, e := range m.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
