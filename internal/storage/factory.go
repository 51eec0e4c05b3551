package storage

import "fmt"

const (
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindMemory = "memory"
)

// NewStore builds a backend. For the file backend path is the base
// directory; for sqlite it is the database file.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", KindFile:
		return NewFileStore(path), nil
	case KindSQLite:
		return NewSQLiteStore(path), nil
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
