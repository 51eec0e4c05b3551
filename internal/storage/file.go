package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const checkpointExt = ".yaml"

// FileStore keeps one directory per run under baseDir and one YAML file
// per checkpoint, named by its zero-padded sequence number.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) Dir() string { return s.baseDir }

func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *FileStore) Init(_ context.Context) error {
	if s.baseDir == "" {
		return fmt.Errorf("file store: base directory is required")
	}
	return os.MkdirAll(s.baseDir, 0755)
}

func (s *FileStore) Save(ctx context.Context, c Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := s.RunDir(c.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(runDir, ".checkpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(runDir, checkpointName(c.Sequence)))
}

func (s *FileStore) Latest(ctx context.Context, runID string) (Checkpoint, bool, error) {
	seqs, err := s.sequences(runID)
	if err != nil || len(seqs) == 0 {
		return Checkpoint{}, false, err
	}
	c, err := s.load(runID, seqs[len(seqs)-1])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

func (s *FileStore) History(ctx context.Context, runID string) ([]Checkpoint, error) {
	seqs, err := s.sequences(runID)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := s.load(runID, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *FileStore) Runs(ctx context.Context) ([]RunInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunInfo{}, nil
		}
		return nil, err
	}

	runs := make([]RunInfo, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seqs, err := s.sequences(entry.Name())
		if err != nil || len(seqs) == 0 {
			continue
		}
		first, err := s.load(entry.Name(), seqs[0])
		if err != nil {
			continue
		}
		last, err := s.load(entry.Name(), seqs[len(seqs)-1])
		if err != nil {
			continue
		}
		runs = append(runs, summarise(first, last, len(seqs)))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}

func (s *FileStore) load(runID string, seq int) (Checkpoint, error) {
	path := filepath.Join(s.RunDir(runID), checkpointName(seq))
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, err
	}
	c, err := Decode(data)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return c, nil
}

func (s *FileStore) sequences(runID string) ([]int, error) {
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seqs := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, checkpointExt))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func checkpointName(seq int) string {
	return fmt.Sprintf("%06d%s", seq, checkpointExt)
}
