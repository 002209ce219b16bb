package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

const fileExt = ".checkpoint"

// FileBackend stores one JSON file per checkpoint in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeCheckpoint, "create checkpoint directory").WithContext("dir", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+fileExt)
}

// Save writes the checkpoint atomically via a temp file and rename.
func (b *FileBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return jerrors.Wrap(err, jerrors.CodeCheckpoint, "marshal checkpoint")
	}

	tmp := b.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return jerrors.Wrap(err, jerrors.CodeCheckpoint, "write checkpoint").WithContext("path", tmp)
	}
	if err := os.Rename(tmp, b.path(cp.ID)); err != nil {
		os.Remove(tmp)
		return jerrors.Wrap(err, jerrors.CodeCheckpoint, "rename checkpoint").WithContext("id", cp.ID)
	}
	return nil
}

// Load reads a checkpoint file.
func (b *FileBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fs.ErrNotExist
		}
		return nil, jerrors.Wrap(err, jerrors.CodeCheckpoint, "read checkpoint").WithContext("id", id)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeCheckpoint, "unmarshal checkpoint").WithContext("id", id)
	}
	return &cp, nil
}

// Delete removes a checkpoint file. Deleting a missing ID is not an error.
func (b *FileBackend) Delete(ctx context.Context, id string) error {
	err := os.Remove(b.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return jerrors.Wrap(err, jerrors.CodeCheckpoint, "delete checkpoint").WithContext("id", id)
	}
	return nil
}

// ListIncomplete returns incomplete checkpoints, oldest first.
func (b *FileBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeCheckpoint, "list checkpoints").WithContext("dir", b.dir)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != fileExt {
			continue
		}
		cp, err := b.Load(ctx, strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if !cp.IsComplete() {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Name returns "file".
func (b *FileBackend) Name() string {
	return "file"
}
