// Package score holds the parsed score a render starts from.
package score

import "github.com/cbegin/midiroll/internal/tempo"

type Note struct {
	Pitch    int
	Velocity int
	Start    int
	End      int
}

type PitchBend struct {
	Value int // signed, -8192..8191
	Tick  int
}

type ControlChange struct {
	Number int
	Value  int
	Tick   int
}

// Track is one instrument track: a single program on a single MIDI channel.
type Track struct {
	Name        string
	Channel     int
	Program     int
	Drum        bool
	Notes       []Note
	PitchBends  []PitchBend
	Controllers []ControlChange // in time order
}

type Score struct {
	TicksPerQuarter int
	Tempo           []tempo.Change
	Tracks          []Track
}

// EndTick is the last note end or pitch bend tick over all tracks.
func (s *Score) EndTick() int {
	end := 0
	for _, tr := range s.Tracks {
		for _, n := range tr.Notes {
			if n.End > end {
				end = n.End
			}
		}
		for _, b := range tr.PitchBends {
			if b.Tick > end {
				end = b.Tick
			}
		}
	}
	return end
}
