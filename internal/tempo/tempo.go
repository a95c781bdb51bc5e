// Package tempo converts score ticks to elapsed seconds.
package tempo

import (
	"fmt"
	"sort"

	"github.com/cbegin/midiroll/internal/errkind"
)

// DefaultBPM applies until the first tempo change, as in Standard MIDI Files.
const DefaultBPM = 120.0

// Change sets the tempo from Tick onwards.
type Change struct {
	Tick int
	BPM  float64
}

type segment struct {
	tick    int
	seconds float64 // elapsed seconds at tick
	rate    float64 // ticks per minute
}

func (s segment) at(tick int) float64 {
	return s.seconds + float64(tick-s.tick)*60/s.rate
}

// Map is an immutable tick to seconds conversion.
type Map struct {
	endTick  int
	segments []segment
}

// New builds a Map for ticks in [0, endTick]. A malformed tempo list is a
// fatal data error.
func New(ppq int, changes []Change, endTick int) (*Map, error) {
	if ppq <= 0 {
		return nil, errkind.New(errkind.Data, fmt.Sprintf("ticks per quarter must be positive, got %d", ppq))
	}
	if endTick < 0 {
		return nil, errkind.New(errkind.Data, fmt.Sprintf("end tick must not be negative, got %d", endTick))
	}
	sorted := make([]Change, len(changes))
	copy(sorted, changes)
	for _, c := range sorted {
		if c.Tick < 0 {
			return nil, errkind.New(errkind.Data, fmt.Sprintf("tempo change at negative tick %d", c.Tick))
		}
		if !(c.BPM > 0) {
			return nil, errkind.New(errkind.Data, fmt.Sprintf("tempo change at tick %d has non-positive bpm %v", c.Tick, c.BPM))
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })
	if len(sorted) == 0 || sorted[0].Tick > 0 {
		sorted = append([]Change{{Tick: 0, BPM: DefaultBPM}}, sorted...)
	}

	m := &Map{endTick: endTick}
	for _, c := range sorted {
		rate := c.BPM * float64(ppq)
		if n := len(m.segments); n > 0 {
			last := &m.segments[n-1]
			if last.tick == c.Tick {
				// later change at the same tick wins
				last.rate = rate
				continue
			}
			m.segments = append(m.segments, segment{tick: c.Tick, seconds: last.at(c.Tick), rate: rate})
			continue
		}
		m.segments = append(m.segments, segment{tick: c.Tick, rate: rate})
	}
	return m, nil
}

// Seconds returns the elapsed time at tick. Ticks outside [0, endTick] are
// an out-of-range data error.
func (m *Map) Seconds(tick int) (float64, error) {
	if tick < 0 || tick > m.endTick {
		return 0, errkind.New(errkind.Data, fmt.Sprintf("tick %d outside tempo map range [0, %d]", tick, m.endTick))
	}
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].tick > tick }) - 1
	return m.segments[i].at(tick), nil
}

// Duration is the elapsed time at the map's end tick.
func (m *Map) Duration() float64 {
	d, _ := m.Seconds(m.endTick)
	return d
}
