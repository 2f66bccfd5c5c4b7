package stablestore

import (
	"os"

	"github.com/cockroachdb/errors"
)

type StableStore interface {
	Write([]byte) (int, error)
	WriteAt([]byte, int64) (int, error)
	Sync() error
}

// Open creates or truncates the file at path. *os.File is a StableStore.
func Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open stable store %s", path)
	}
	return f, nil
}
