package upstream

import (
	"context"
	"sync/atomic"
	"time"
)

// ScriptedGenerator emits a fixed sequence of chunks. It backs offline demos
// and tests that need deterministic upstream output.
type ScriptedGenerator struct {
	Chunks []string

	// Delay pauses before every chunk
	Delay time.Duration

	// Step, when set, gates each chunk on a receive
	Step <-chan struct{}

	// Fail ends the stream with this error after the chunks
	Fail error

	// StartErr rejects the call outright
	StartErr error

	calls atomic.Int32
}

// Name returns the provider name
func (g *ScriptedGenerator) Name() string {
	return "scripted"
}

// Calls reports how many times Generate has been invoked
func (g *ScriptedGenerator) Calls() int {
	return int(g.calls.Load())
}

// Generate returns a stream over the script
func (g *ScriptedGenerator) Generate(ctx context.Context, _ Request) (Stream, error) {
	g.calls.Add(1)
	if g.StartErr != nil {
		return nil, g.StartErr
	}
	return &scriptedStream{ctx: ctx, gen: g}, nil
}

type scriptedStream struct {
	ctx  context.Context
	gen  *ScriptedGenerator
	pos  int
	text string
	err  error
	done bool
}

func (s *scriptedStream) Next() bool {
	s.text = ""
	if s.done {
		return false
	}

	if s.pos >= len(s.gen.Chunks) {
		s.done = true
		s.err = s.gen.Fail
		return false
	}

	if !s.wait() {
		s.done = true
		return false
	}

	s.text = s.gen.Chunks[s.pos]
	s.pos++
	return true
}

func (s *scriptedStream) wait() bool {
	if s.gen.Step != nil {
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-s.gen.Step:
		}
	}
	if s.gen.Delay > 0 {
		timer := time.NewTimer(s.gen.Delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-timer.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	return true
}

func (s *scriptedStream) Text() string {
	return s.text
}

func (s *scriptedStream) Err() error {
	return s.err
}

func (s *scriptedStream) Close() error {
	s.done = true
	return nil
}
