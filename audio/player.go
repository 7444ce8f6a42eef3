package audio

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by a write callback to end playback early.
var ErrStopped = errors.New("audio: playback stopped")

// Play writes pcm in FrameBytes frames, one per interval, so the far end
// receives audio in real time and an interruption takes effect within a
// frame. A zero interval writes without pacing.
func Play(ctx context.Context, pcm []byte, interval time.Duration, write func(frame []byte) error) error {
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(0)
		defer timer.Stop()
		<-timer.C
	}
	next := time.Now()

	for len(pcm) > 0 {
		n := min(FrameBytes, len(pcm))
		if err := write(pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]

		if timer == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		next = next.Add(interval)
		timer.Reset(time.Until(next))
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
