package storage

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[int][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string]map[int][]byte)
	}
	return nil
}

// Save stores the encoded form so later mutation of the caller's maps
// cannot leak into the stored checkpoint.
func (s *MemoryStore) Save(_ context.Context, c Checkpoint) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrNotInitialized
	}
	run, ok := s.runs[c.RunID]
	if !ok {
		run = make(map[int][]byte)
		s.runs[c.RunID] = run
	}
	run[c.Sequence] = data
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, runID string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := sortedSequences(s.runs[runID])
	if len(seqs) == 0 {
		return Checkpoint{}, false, nil
	}
	c, err := Decode(s.runs[runID][seqs[len(seqs)-1]])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

func (s *MemoryStore) History(_ context.Context, runID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decodeAll(runID)
}

func (s *MemoryStore) Runs(_ context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]RunInfo, 0, len(s.runs))
	for id := range s.runs {
		history, err := s.decodeAll(id)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			continue
		}
		runs = append(runs, summarise(history[0], history[len(history)-1], len(history)))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}

func (s *MemoryStore) decodeAll(runID string) ([]Checkpoint, error) {
	run := s.runs[runID]
	seqs := sortedSequences(run)
	out := make([]Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		c, err := Decode(run[seq])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func sortedSequences(run map[int][]byte) []int {
	seqs := make([]int, 0, len(run))
	for seq := range run {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}
