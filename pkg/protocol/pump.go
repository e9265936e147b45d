package protocol

import (
	"context"
	"time"

	"github.com/harun/resumable/pkg/chunklog"
)

// Phase is the position of a connection in its replay/tail lifecycle
type Phase int

const (
	PhaseReplaying Phase = iota
	PhaseTailing
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseReplaying:
		return "replaying"
	case PhaseTailing:
		return "tailing"
	default:
		return "closing"
	}
}

// Result summarizes what a pump delivered
type Result struct {
	// Replayed counts chunks that existed when the client attached
	Replayed int
	// Tailed counts chunks delivered live after the replay
	Tailed      int
	LastEventID uint64
	Status      chunklog.Status
	ReachedTail bool
}

// PumpOptions tune a pump
type PumpOptions struct {
	// Heartbeat is the idle interval between keepalive frames; zero disables them
	Heartbeat time.Duration

	// OnPhase observes state transitions
	OnPhase func(Phase)
}

// Pump drives one attached client: it replays every chunk after lastEventID,
// then tails the log until it becomes terminal and writes the matching
// terminal frame. It returns early with ctx.Err() when the client goes away,
// or with the writer's error.
func Pump(ctx context.Context, log *chunklog.Log, lastEventID uint64, w FrameWriter, opts PumpOptions) (Result, error) {
	res := Result{LastEventID: lastEventID, Status: chunklog.StatusOpen}
	phase := PhaseReplaying
	setPhase := func(p Phase) {
		phase = p
		if opts.OnPhase != nil {
			opts.OnPhase(p)
		}
	}
	setPhase(PhaseReplaying)

	var heartbeat <-chan time.Time
	if opts.Heartbeat > 0 {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		snap := log.Since(res.LastEventID)

		for _, chunk := range snap.Chunks {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := w.WriteChunk(chunk); err != nil {
				return res, err
			}
			res.LastEventID = chunk.ID
			if phase == PhaseReplaying {
				res.Replayed++
			} else {
				res.Tailed++
			}
		}

		if snap.Status.Terminal() {
			setPhase(PhaseClosing)
			res.Status = snap.Status
			if snap.Status == chunklog.StatusFailed {
				return res, w.WriteError(snap.Failure)
			}
			return res, w.WriteComplete()
		}

		if phase == PhaseReplaying {
			setPhase(PhaseTailing)
			res.ReachedTail = true
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-snap.Changed:
				break wait
			case <-heartbeat:
				if err := w.WriteHeartbeat(); err != nil {
					return res, err
				}
			}
		}
	}
}
