// Package timeline holds resolved notes and the tick-ordered event schedule
// built from them.
package timeline

const (
	BankMelodic    = 0
	BankPercussion = 128

	// DefaultBendRange is the pitch-bend range in semitones until an RPN
	// sequence sets another one.
	DefaultBendRange = 2
)

// Instrument is the timbre of one synthesis channel.
type Instrument struct {
	Program   int
	Bank      int
	BendRange int
}

type Note struct {
	Pitch    int
	Velocity int
	Channel  int // index into the instrument list
	Start    int
	End      int
}

type PitchBend struct {
	Value   int
	Channel int
	Tick    int
}

type Action int

const (
	Play Action = iota + 1
	Stop
)

func (a Action) String() string {
	switch a {
	case Play:
		return "PLAY"
	case Stop:
		return "STOP"
	}
	return "UNKNOWN"
}

type NoteAction struct {
	Note   Note
	Action Action
}

// Event carries every action due at one tick. Bends are applied before
// note actions when rendering.
type Event struct {
	Tick  int
	Notes []NoteAction
	Bends []PitchBend
}
