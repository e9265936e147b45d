// Package session holds the volatile registry of resumable stream sessions.
//
// Invariants:
// - Session ids are validated and unique among live sessions.
// - A session's prompt never changes after creation.
// - At most one producer may ever claim a session.
// - Sessions expire once createdAt + TTL has passed, whatever their state.
//
// Usage:
//
//	store := session.NewStore(session.Config{TTL: 24 * time.Hour})
//	sess, created, _ := store.Create(ctx, "s1", "hi")
//	_, _ = sess, created
//	defer store.Close()
package session
