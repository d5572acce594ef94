package offline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirPersister makes sure the offline data directory exists and accepts
// writes before a download starts
type DirPersister struct {
	Dir string
}

func (p DirPersister) RequestPersist(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(p.Dir, ".persist-*")
	if err != nil {
		return fmt.Errorf("data dir %s is not writable: %w", p.Dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(filepath.Clean(name))
}
