package score

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midiroll/internal/errkind"
	"github.com/cbegin/midiroll/internal/tempo"
)

// DrumChannel is the General MIDI percussion channel (10, zero based).
const DrumChannel = 9

// ReadFile parses a Standard MIDI File from disk.
func ReadFile(path string) (*Score, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Resource, fmt.Sprintf("open midi file %s", path))
	}
	defer f.Close()
	sc, err := Read(f)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With(fmt.Sprintf("read midi file %s", path)))
	}
	return sc, nil
}

// Read parses a Standard MIDI File. Each SMF track is split into one Track
// per (channel, program) pair; tracks without notes or pitch bends are
// dropped. Controllers and bends sent before a channel's first note, such
// as a pitch bend range RPN ahead of the program change, belong to the
// track that note opens.
func Read(r io.Reader) (*Score, error) {
	data, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Data, "parse smf")
	}
	ticks, ok := data.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, errkind.New(errkind.Data, fmt.Sprintf("unsupported time format %v", data.TimeFormat))
	}
	sc := &Score{TicksPerQuarter: int(ticks)}
	for _, track := range data.Tracks {
		sc.Tracks = append(sc.Tracks, splitTrack(track, sc)...)
	}
	sort.SliceStable(sc.Tempo, func(i, j int) bool { return sc.Tempo[i].Tick < sc.Tempo[j].Tick })
	return sc, nil
}

type trackKey struct {
	channel uint8
	program uint8
}

type noteKey struct {
	channel uint8
	key     uint8
}

type openNote struct {
	start    int
	velocity int
	track    *Track
}

// pending holds controllers and bends seen on a channel before the track
// they belong to has its first note.
type pending struct {
	bends       []PitchBend
	controllers []ControlChange
}

// splitTrack walks one SMF track. Tempo meta events are appended to sc.Tempo.
func splitTrack(events smf.Track, sc *Score) []Track {
	var (
		name     string
		programs [16]uint8
		order    []trackKey
		byKey    = map[trackKey]*Track{}
		open     = map[noteKey][]openNote{}
		early    [16]pending
		tick     int
	)
	create := func(ch uint8) *Track {
		k := trackKey{channel: ch, program: programs[ch]}
		tr := &Track{Channel: int(ch), Program: int(programs[ch]), Drum: ch == DrumChannel}
		tr.PitchBends = early[ch].bends
		tr.Controllers = early[ch].controllers
		early[ch] = pending{}
		byKey[k] = tr
		order = append(order, k)
		return tr
	}
	// current is the track controllers and bends on ch apply to, nil until
	// a note has been seen for the channel's current program.
	current := func(ch uint8) *Track {
		return byKey[trackKey{channel: ch, program: programs[ch]}]
	}

	for _, ev := range events {
		tick += int(ev.Delta)
		meta := ev.Message
		msg := midi.Message(ev.Message)
		var (
			ch, key, vel uint8
			cc, val      uint8
			prog         uint8
			rel          int16
			abs          uint16
			bpm          float64
			text         string
		)
		switch {
		case meta.GetMetaTempo(&bpm):
			sc.Tempo = append(sc.Tempo, tempo.Change{Tick: tick, BPM: bpm})
		case meta.GetMetaTrackName(&text):
			name = text
		case msg.GetProgramChange(&ch, &prog):
			programs[ch] = prog
		case msg.GetNoteStart(&ch, &key, &vel):
			tr := current(ch)
			if tr == nil {
				tr = create(ch)
			}
			nk := noteKey{channel: ch, key: key}
			open[nk] = append(open[nk], openNote{start: tick, velocity: int(vel), track: tr})
		case msg.GetNoteEnd(&ch, &key):
			nk := noteKey{channel: ch, key: key}
			queue := open[nk]
			if len(queue) == 0 {
				continue
			}
			on := queue[0]
			open[nk] = queue[1:]
			on.track.Notes = append(on.track.Notes, Note{
				Pitch:    int(key),
				Velocity: on.velocity,
				Start:    on.start,
				End:      tick,
			})
		case msg.GetPitchBend(&ch, &rel, &abs):
			pb := PitchBend{Value: int(rel), Tick: tick}
			if tr := current(ch); tr != nil {
				tr.PitchBends = append(tr.PitchBends, pb)
			} else {
				early[ch].bends = append(early[ch].bends, pb)
			}
		case msg.GetControlChange(&ch, &cc, &val):
			c := ControlChange{Number: int(cc), Value: int(val), Tick: tick}
			if tr := current(ch); tr != nil {
				tr.Controllers = append(tr.Controllers, c)
			} else {
				early[ch].controllers = append(early[ch].controllers, c)
			}
		}
	}
	// bends on a channel that never sounded a note still get a track
	for ch := range early {
		if len(early[ch].bends) > 0 {
			create(uint8(ch))
		}
	}

	out := make([]Track, 0, len(order))
	for _, k := range order {
		tr := byKey[k]
		if len(tr.Notes) == 0 && len(tr.PitchBends) == 0 {
			continue
		}
		tr.Name = name
		sort.SliceStable(tr.Notes, func(i, j int) bool { return tr.Notes[i].Start < tr.Notes[j].Start })
		out = append(out, *tr)
	}
	return out
}
