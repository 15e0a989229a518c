package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	snapshotExt = ".json.gz"
	metaExt     = ".meta.json"
)

// FSStore persists checkpoints on the local filesystem as gzip-compressed
// JSON under <root>/<job_id>/<checkpoint_id>.json.gz, with an uncompressed
// metadata sidecar for cheap listing. Writes go through a temp file and
// rename so a crash never leaves a half-written checkpoint behind.
type FSStore struct {
	root string
}

// NewFSStore builds a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FSStore) snapshotPath(jobID, id string) string {
	return filepath.Join(s.jobDir(jobID), id+snapshotExt)
}

func (s *FSStore) metaPath(jobID, id string) string {
	return filepath.Join(s.jobDir(jobID), id+metaExt)
}

// Save writes the compressed snapshot and its metadata sidecar.
func (s *FSStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.ID == "" || cp.JobID == "" {
		return fmt.Errorf("checkpoint id and job id are required")
	}
	dir := s.jobDir(cp.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating job checkpoint dir: %w", err)
	}

	path := s.snapshotPath(cp.JobID, cp.ID)
	tmp, err := os.CreateTemp(dir, cp.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(cp); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing checkpoint: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stating checkpoint: %w", err)
	}
	meta := Meta{
		ID:          cp.ID,
		JobID:       cp.JobID,
		Type:        cp.Type,
		CreatedAt:   cp.CreatedAt,
		URLsCrawled: cp.Snapshot.Counters.URLsCrawled,
		SizeBytes:   info.Size(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(cp.JobID, cp.ID), raw, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint metadata: %w", err)
	}
	return nil
}

// Load reads one checkpoint back. A file that cannot be decompressed or
// decoded returns ErrCorrupt so the caller can fall back to an older one.
func (s *FSStore) Load(_ context.Context, jobID, id string) (Checkpoint, error) {
	f, err := os.Open(s.snapshotPath(jobID, id))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("job %s checkpoint %s: %w", jobID, id, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("job %s checkpoint %s: %w", jobID, id, ErrCorrupt)
	}
	defer gz.Close()

	var cp Checkpoint
	if err := json.NewDecoder(gz).Decode(&cp); err != nil && err != io.EOF {
		return Checkpoint{}, fmt.Errorf("job %s checkpoint %s: %w", jobID, id, ErrCorrupt)
	}
	if cp.ID != id || cp.JobID != jobID {
		return Checkpoint{}, fmt.Errorf("job %s checkpoint %s: %w", jobID, id, ErrCorrupt)
	}
	return cp, nil
}

// List reads the metadata sidecars, newest first. Snapshots missing a
// readable sidecar are skipped rather than failing the whole listing.
func (s *FSStore) List(_ context.Context, jobID string) ([]Meta, error) {
	entries, err := os.ReadDir(s.jobDir(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	var out []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.jobDir(jobID), e.Name()))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes one checkpoint and its sidecar.
func (s *FSStore) Delete(_ context.Context, jobID, id string) error {
	if err := os.Remove(s.snapshotPath(jobID, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	if err := os.Remove(s.metaPath(jobID, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting checkpoint metadata: %w", err)
	}
	return nil
}

// DeleteJob removes a job's whole checkpoint directory.
func (s *FSStore) DeleteJob(_ context.Context, jobID string) error {
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("deleting job checkpoints: %w", err)
	}
	return nil
}
