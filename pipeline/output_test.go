package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startOutput(t *testing.T, interval time.Duration) (*fakeTransport, *TurnTracker, chan types.Frame, chan types.Frame) {
	t.Helper()
	tr := newFakeTransport()
	tracker := NewTurnTracker()
	stage := NewOutputStage(tr, tracker, interval, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan types.Frame, 16)
	out := make(chan types.Frame, 16)
	done := make(chan error, 1)
	go func() { done <- stage.Run(ctx, in, out) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return tr, tracker, in, out
}

func nextFrame(t *testing.T, out <-chan types.Frame) types.Frame {
	t.Helper()
	select {
	case f := <-out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return types.Frame{}
	}
}

func TestOutputStagePlaysTurnAndHangsUp(t *testing.T) {
	tr, tracker, in, out := startOutput(t, 0)
	turn, _ := tracker.Begin(context.Background())

	in <- types.Frame{Kind: types.FrameTTSText, Text: "Hello!", TurnID: turn}
	in <- types.Frame{Kind: types.FrameAudioOut, Audio: make([]byte, 3*audio.FrameBytes), TurnID: turn}
	in <- types.Frame{Kind: types.FrameLLMTurnEnd, TurnID: turn}
	in <- types.Frame{Kind: types.FrameEndCall}

	assert.Equal(t, types.FrameTTSText, nextFrame(t, out).Kind)
	done := nextFrame(t, out)
	assert.Equal(t, types.FrameAssistantTurnDone, done.Kind)
	assert.Equal(t, turn, done.TurnID)
	assert.Equal(t, types.FrameEndCall, nextFrame(t, out).Kind)

	frames, clears, closed := tr.stats()
	assert.Equal(t, 3, frames)
	assert.Zero(t, clears)
	assert.True(t, closed)
	assert.False(t, tracker.Active(turn))
}

func TestOutputStageInterruptStopsPlayback(t *testing.T) {
	tr, tracker, in, out := startOutput(t, 20*time.Millisecond)
	turn, _ := tracker.Begin(context.Background())

	in <- types.Frame{Kind: types.FrameAudioOut, Audio: make([]byte, 100*audio.FrameBytes), TurnID: turn}
	in <- types.Frame{Kind: types.FrameAudioOut, Audio: make([]byte, 100*audio.FrameBytes), TurnID: turn}
	in <- types.Frame{Kind: types.FrameLLMTurnEnd, TurnID: turn}

	require.Eventually(t, func() bool {
		frames, _, _ := tr.stats()
		return frames > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, tracker.Interrupt())
	in <- types.Frame{Kind: types.FrameInterrupt}
	assert.Equal(t, types.FrameInterrupt, nextFrame(t, out).Kind)

	time.Sleep(60 * time.Millisecond)
	frames, clears, _ := tr.stats()
	assert.Equal(t, 1, clears)
	assert.Less(t, frames, 100)

	time.Sleep(60 * time.Millisecond)
	after, _, _ := tr.stats()
	assert.Equal(t, frames, after)

	select {
	case f := <-out:
		t.Fatalf("unexpected frame after interruption: %s", f.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
