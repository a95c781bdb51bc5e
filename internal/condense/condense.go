// Package condense assigns score tracks to synthesis channels.
package condense

import (
	"fmt"
	"log/slog"

	"github.com/cbegin/midiroll/internal/errkind"
	"github.com/cbegin/midiroll/internal/score"
	"github.com/cbegin/midiroll/internal/timeline"
)

// RPN controller numbers.
const (
	ccDataEntry = 6
	ccRPNLSB    = 100
	ccRPNMSB    = 101
)

type Config struct {
	// Budget is the channel palette size. More tracks than this merges
	// tracks that share a program and bank group.
	Budget int
	// Transpose shifts every note pitch, in semitones.
	Transpose int
	// ChannelLimit is the synthesis engine's hard channel count; 0 means
	// unlimited.
	ChannelLimit int
}

type Result struct {
	Instruments []timeline.Instrument
	Notes       []timeline.Note
	Bends       []timeline.PitchBend
	EndTick     int
	Condensed   bool
	Skipped     int // records dropped as invalid
}

// Condense resolves tracks into instruments, notes and pitch bends. Invalid
// notes and bends are skipped with a warning; exceeding the channel limit is
// a configuration error.
func Condense(tracks []score.Track, cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Budget <= 0 {
		return nil, errkind.New(errkind.Configuration, fmt.Sprintf("channel budget must be positive, got %d", cfg.Budget))
	}
	res := &Result{Condensed: len(tracks) > cfg.Budget}

	for _, tr := range tracks {
		logger.Info("loading instrument", "name", tr.Name, "program", tr.Program, "drum", tr.Drum)
		bank := timeline.BankMelodic
		if tr.Drum {
			bank = timeline.BankPercussion
		}

		channel := -1
		if res.Condensed {
			for i, inst := range res.Instruments {
				if inst.Bank == bank && inst.Program == tr.Program {
					channel = i
					break
				}
			}
		}
		if channel < 0 {
			channel = len(res.Instruments)
			res.Instruments = append(res.Instruments, timeline.Instrument{
				Program:   tr.Program,
				Bank:      bank,
				BendRange: timeline.DefaultBendRange,
			})
		}

		for _, n := range tr.Notes {
			if n.Start < 0 || n.End < n.Start {
				res.Skipped++
				logger.Warn("skipping note", "track", tr.Name, "pitch", n.Pitch, "start", n.Start, "end", n.End)
				continue
			}
			res.Notes = append(res.Notes, timeline.Note{
				Pitch:    n.Pitch + cfg.Transpose,
				Velocity: n.Velocity,
				Channel:  channel,
				Start:    n.Start,
				End:      n.End,
			})
			res.EndTick = max(res.EndTick, n.End)
		}
		for _, pb := range tr.PitchBends {
			if pb.Tick < 0 {
				res.Skipped++
				logger.Warn("skipping pitch bend", "track", tr.Name, "tick", pb.Tick)
				continue
			}
			res.Bends = append(res.Bends, timeline.PitchBend{Value: pb.Value, Channel: channel, Tick: pb.Tick})
			res.EndTick = max(res.EndTick, pb.Tick)
		}
		if semitones, ok := BendRange(tr.Controllers); ok {
			res.Instruments[channel].BendRange = semitones
		}
	}

	if cfg.ChannelLimit > 0 && len(res.Instruments) > cfg.ChannelLimit {
		return nil, errkind.New(errkind.Configuration, fmt.Sprintf(
			"%d instruments exceed the synthesis engine's %d channels", len(res.Instruments), cfg.ChannelLimit))
	}
	logger.Info("condensed tracks", "tracks", len(tracks), "instruments", len(res.Instruments))
	return res, nil
}

// BendRange scans controllers for the pitch-bend range RPN: #100 = 0 arms
// the scan and the next data entry (#6) carries the range in semitones. A
// non-zero RPN selector disarms it. The last completed sequence wins.
func BendRange(controllers []score.ControlChange) (int, bool) {
	var (
		armed bool
		found bool
		value int
	)
	for _, cc := range controllers {
		switch cc.Number {
		case ccRPNLSB:
			armed = cc.Value == 0
		case ccRPNMSB:
			if cc.Value != 0 {
				armed = false
			}
		case ccDataEntry:
			if armed {
				value, found = cc.Value, true
				armed = false
			}
		}
	}
	return value, found
}
