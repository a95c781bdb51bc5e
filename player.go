package midiroll

import (
	"context"
	"time"

	"github.com/Southclaws/fault"

	intaudio "github.com/cbegin/midiroll/internal/audio"
	"github.com/cbegin/midiroll/internal/errkind"
)

const previewPoll = 50 * time.Millisecond

// Preview plays a finished render on the default audio device and blocks
// until playback ends or ctx is done.
func Preview(ctx context.Context, res *Result) error {
	if res == nil || len(res.Samples) == 0 {
		return fault.New("nothing to preview")
	}
	pl, err := intaudio.NewPlayer(res.SampleRate, intaudio.NewBuffer(float32Samples(res.Samples)))
	if err != nil {
		return errkind.Wrap(err, errkind.Resource, "open audio output")
	}
	pl.Play()

	ticker := time.NewTicker(previewPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = pl.Stop()
			return ctx.Err()
		case <-ticker.C:
			if !pl.IsPlaying() {
				return pl.Stop()
			}
		}
	}
}
