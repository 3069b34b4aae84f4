package raft

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrLogNotFound     = errors.New("log entry not found")
	ErrIndexOutOfRange = errors.New("index out of range")
)

// LogStore defines the interface for persisting Raft logs
type LogStore interface {
	// FirstIndex returns the index of the first entry in the log
	FirstIndex() (int64, error)

	// LastIndex returns the index of the last entry in the log
	LastIndex() (int64, error)

	// GetLog returns the log entry at the given index
	GetLog(index int64) (*LogEntry, error)

	// StoreLog stores a single log entry
	StoreLog(entry *LogEntry) error

	// StoreLogs stores multiple log entries
	StoreLogs(entries []*LogEntry) error

	// DeleteRange deletes log entries in the range [min, max] (inclusive)
	DeleteRange(min, max int64) error
}

// MemoryLogStore is an in-memory implementation of LogStore
type MemoryLogStore struct {
	entries []LogEntry
	mu      sync.RWMutex
}

// NewMemoryLogStore creates a new MemoryLogStore
func NewMemoryLogStore() *MemoryLogStore {
	// Raft logs start at index 1. Index 0 is a dummy entry.
	return &MemoryLogStore{
		entries: []LogEntry{{Term: 0, Index: 0}},
	}
}

func (m *MemoryLogStore) FirstIndex() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[0].Index, nil
}

func (m *MemoryLogStore) LastIndex() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[len(m.entries)-1].Index, nil
}

func (m *MemoryLogStore) GetLog(index int64) (*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset := index - m.entries[0].Index
	if offset < 0 || offset >= int64(len(m.entries)) {
		return nil, ErrLogNotFound
	}
	entry := m.entries[offset]
	return &entry, nil
}

func (m *MemoryLogStore) StoreLog(entry *LogEntry) error {
	return m.StoreLogs([]*LogEntry{entry})
}

// StoreLogs appends entries; indexes must continue the log without gaps
func (m *MemoryLogStore) StoreLogs(entries []*LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		next := m.entries[len(m.entries)-1].Index + 1
		if entry.Index != next {
			return fmt.Errorf("%w: got %d, want %d", ErrIndexOutOfRange, entry.Index, next)
		}
		m.entries = append(m.entries, *entry)
	}
	return nil
}

// DeleteRange removes [min, max]. Only a prefix (compaction) or a suffix
// (conflict truncation) may be removed; the first entry is always kept.
func (m *MemoryLogStore) DeleteRange(min, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.entries[0].Index
	last := m.entries[len(m.entries)-1].Index
	if max < min {
		return nil
	}
	switch {
	case min <= first:
		// prefix: the entry after max becomes the new first entry
		if max >= last {
			return fmt.Errorf("%w: cannot delete the whole log", ErrIndexOutOfRange)
		}
		m.entries = append([]LogEntry(nil), m.entries[max-first+1:]...)
	case max >= last:
		m.entries = m.entries[:min-first]
	default:
		return fmt.Errorf("%w: [%d, %d] is neither a prefix nor a suffix", ErrIndexOutOfRange, min, max)
	}
	return nil
}
