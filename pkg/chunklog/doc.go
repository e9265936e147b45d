// Package chunklog provides the append-only, ordered record of text fragments
// produced for one session.
//
// Invariants:
// - Event ids start at 1 and increase by one per append, with no gaps.
// - FullText always equals the concatenation of every chunk text in order.
// - Once the log is terminal (completed or failed) it never changes again.
//
// Usage:
//
//	l := chunklog.New()
//	id, _ := l.Append("He")
//	_ = l.MarkCompleted()
//	for c := range l.ReplaySince(0) {
//		_ = c
//	}
package chunklog
