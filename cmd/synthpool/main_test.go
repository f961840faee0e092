package main

import (
	"context"
	"testing"
	"time"

	"SynthPool/internal/command"
	"SynthPool/internal/engine"
	"SynthPool/internal/ingestion"
	"SynthPool/internal/persistence"
	"SynthPool/internal/projection"
)

// Shutdown closes the worker channels only after the bridge has exited.
// A bridge blocked on a full persist channel must unblock on cancel
// instead of panicking into a closed channel later.
func TestBridgeUnblocksOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persistIn := make(chan engine.Output, 4)
	projectionIn := make(chan engine.Output, 4)
	persistOut := make(chan persistence.Output) // no consumer: the send blocks
	projectionOut := make(chan projection.Output, 4)
	publishOut := make(chan ingestion.PublishableOperation, 4)

	done := make(chan struct{})
	go func() {
		bridgeOutputs(ctx, persistIn, projectionIn, persistOut, projectionOut, publishOut, nil)
		close(done)
	}()

	persistIn <- engine.Output{Envelope: &command.Envelope{Sequence: 1}}

	// Let the bridge reach the blocked persist send.
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge still running after cancel while blocked on persist send")
	}

	// With the bridge joined, closing downstream channels is safe.
	close(persistOut)
	close(projectionOut)
	close(publishOut)
}

func TestSubjectPrefix(t *testing.T) {
	cases := map[string]string{
		"synth.commands.stake.user-1": "synth.commands.stake",
		"synth.prices.BTC":            "synth.prices.BTC",
		"synth":                       "synth",
	}
	for in, want := range cases {
		if got := subjectPrefix(in); got != want {
			t.Errorf("subjectPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
