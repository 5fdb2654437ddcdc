package tunnel

import "net"

// Table is the Session Table of spec §4.3: the single map from (peer,
// conv) to Session, owned exclusively by the engine's event-loop
// goroutine. It carries no internal locking by design — concurrent
// access from any other goroutine is a bug, not a race to paper over.
type Table struct {
	byKey map[string]*Session
}

// NewTable builds an empty session table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]*Session)}
}

// Get looks up a session by (peer, conv).
func (t *Table) Get(peer net.Addr, conv uint32) (*Session, bool) {
	s, ok := t.byKey[Key(peer, conv)]
	return s, ok
}

// Put registers a session, replacing any prior occupant of the same key.
func (t *Table) Put(s *Session) {
	t.byKey[Key(s.Peer, s.ConvID)] = s
}

// Delete removes a session from the table. Called only once a session
// has fully drained TIME_WAIT (spec §4.4 lifecycle invariant: "destroyed
// only after TIME_WAIT expiry").
func (t *Table) Delete(peer net.Addr, conv uint32) {
	delete(t.byKey, Key(peer, conv))
}

// Len reports the number of live sessions, for the 30s stats timer.
func (t *Table) Len() int { return len(t.byKey) }

// CountByKCPState returns a histogram of KCPState across all sessions,
// mirroring the original implementation's per-state session dump
// (print_session_iter in event_timer.c) that the distilled spec dropped
// but a production deployment needs for debugging.
func (t *Table) CountByKCPState() map[State]int {
	counts := make(map[State]int, 5)
	for _, s := range t.byKey {
		counts[s.KCPState]++
	}
	return counts
}

// SumBytes totals BytesUp/BytesDown across every live session, for the
// stats writer's aggregate counters.
func (t *Table) SumBytes() (up, down uint64) {
	for _, s := range t.byKey {
		up += s.BytesUp
		down += s.BytesDown
	}
	return up, down
}

// Each calls fn for every live session. fn must not mutate the table;
// use Delete after iteration completes for any sessions it collects.
func (t *Table) Each(fn func(*Session)) {
	for _, s := range t.byKey {
		fn(s)
	}
}

// Sweep calls fn for every session and removes those for which fn
// returns true, letting the timeout-check timer both scan and reap in
// one pass without requiring the caller to mutate the table manually.
func (t *Table) Sweep(fn func(*Session) bool) {
	for k, s := range t.byKey {
		if fn(s) {
			delete(t.byKey, k)
		}
	}
}
