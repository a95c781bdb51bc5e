package timeline

import (
	"fmt"
	"sort"

	"github.com/cbegin/midiroll/internal/errkind"
)

// Timeline is strictly ascending by tick with one event per tick.
type Timeline struct {
	Events []Event
}

type builder struct {
	index  map[int]int // tick -> position in events
	events []Event
}

func (b *builder) at(tick int) *Event {
	if i, ok := b.index[tick]; ok {
		return &b.events[i]
	}
	b.index[tick] = len(b.events)
	b.events = append(b.events, Event{Tick: tick})
	return &b.events[len(b.events)-1]
}

// Build coalesces notes and bends into one event per distinct tick. Actions
// keep their insertion order within an event: for each note a PLAY at its
// start and a STOP at its end, then bends in list order.
func Build(notes []Note, bends []PitchBend) *Timeline {
	b := &builder{index: make(map[int]int, len(notes)+len(bends))}
	for _, n := range notes {
		start := b.at(n.Start)
		start.Notes = append(start.Notes, NoteAction{Note: n, Action: Play})
		end := b.at(n.End)
		end.Notes = append(end.Notes, NoteAction{Note: n, Action: Stop})
	}
	for _, pb := range bends {
		ev := b.at(pb.Tick)
		ev.Bends = append(ev.Bends, pb)
	}
	sort.Slice(b.events, func(i, j int) bool { return b.events[i].Tick < b.events[j].Tick })
	return &Timeline{Events: b.events}
}

func (t *Timeline) Len() int { return len(t.Events) }

func (t *Timeline) FirstTick() int {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[0].Tick
}

func (t *Timeline) LastTick() int {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Tick
}

// Validate checks ordering, tick uniqueness and that no event is empty.
func (t *Timeline) Validate() error {
	for i, ev := range t.Events {
		if len(ev.Notes) == 0 && len(ev.Bends) == 0 {
			return errkind.New(errkind.Data, fmt.Sprintf("event at tick %d has no actions", ev.Tick))
		}
		if i > 0 && t.Events[i-1].Tick >= ev.Tick {
			return errkind.New(errkind.Data, fmt.Sprintf("event %d at tick %d does not follow tick %d", i, ev.Tick, t.Events[i-1].Tick))
		}
	}
	return nil
}
