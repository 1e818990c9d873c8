// Package memory implements the journal store in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"sync"

	"pkt.systems/editd/internal/journal"
)

// Store keeps per-dataset entry slices in append (= sequence) order.
type Store struct {
	mu      sync.Mutex
	entries map[string][]*journal.Entry
	lastSeq map[string]int64
}

// New returns an empty in-memory journal store.
func New() *Store {
	return &Store{
		entries: make(map[string][]*journal.Entry),
		lastSeq: make(map[string]int64),
	}
}

// Append assigns the dataset's next sequence number and stores a copy of entry.
func (s *Store) Append(_ context.Context, entry *journal.Entry) (*journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *entry
	stored.Seq = s.lastSeq[entry.DatasetID] + 1
	stored.Committed = false
	stored.Discarded = false
	s.lastSeq[entry.DatasetID] = stored.Seq
	s.entries[entry.DatasetID] = append(s.entries[entry.DatasetID], &stored)
	out := stored
	return &out, nil
}

// Uncommitted returns the session's pending entries in ascending sequence order.
func (s *Store) Uncommitted(_ context.Context, datasetID, sessionID string) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journal.Entry
	for _, e := range s.entries[datasetID] {
		if e.SessionID == sessionID && !e.Committed && !e.Discarded {
			out = append(out, *e)
		}
	}
	return out, nil
}

// History returns up to limit entries newest first, optionally committed-only.
func (s *Store) History(_ context.Context, datasetID string, limit int, committedOnly bool) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[datasetID]
	var out []journal.Entry
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if committedOnly && !all[i].Committed {
			continue
		}
		out = append(out, *all[i])
	}
	return out, nil
}

// MarkCommitted flips the committed flag on the session's pending entries.
func (s *Store) MarkCommitted(_ context.Context, datasetID, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries[datasetID] {
		if e.SessionID == sessionID && !e.Committed && !e.Discarded {
			e.Committed = true
			n++
		}
	}
	return n, nil
}

// MarkDiscarded voids the session's pending entries.
func (s *Store) MarkDiscarded(_ context.Context, datasetID, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries[datasetID] {
		if e.SessionID == sessionID && !e.Committed && !e.Discarded {
			e.Discarded = true
			n++
		}
	}
	return n, nil
}

// DiscardDataset voids every pending entry of the dataset.
func (s *Store) DiscardDataset(_ context.Context, datasetID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries[datasetID] {
		if !e.Committed && !e.Discarded {
			e.Discarded = true
			n++
		}
	}
	return n, nil
}

// Close satisfies journal.Store; nothing to release.
func (s *Store) Close() error { return nil }
