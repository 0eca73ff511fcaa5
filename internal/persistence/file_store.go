package persistence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileCheckpointStore persists checkpoints as one file per
// (session ID, ordinal) under root:
//
//	<root>/<sessionID>/stage-<ordinal>.ckpt
//
// Each file is a JSON envelope carrying the metadata header and the
// base64-encoded gob payload. Writes go to a temp file in the same directory
// followed by a rename, so a crash mid-write leaves either the prior valid
// checkpoint or none.
type FileCheckpointStore struct {
	root string
}

var _ CheckpointStore = (*FileCheckpointStore)(nil)

// checkpointEnvelope is the on-disk format.
type checkpointEnvelope struct {
	SessionID     string    `json:"session_id"`
	Ordinal       int       `json:"ordinal"`
	Stage         string    `json:"stage"`
	PayloadKind   string    `json:"payload_kind"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Skipped       bool      `json:"skipped,omitempty"`
	Payload       string    `json:"payload"`
}

// NewFileCheckpointStore creates the root directory if needed and returns a
// new store.
func NewFileCheckpointStore(root string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileCheckpointStore{root: root}, nil
}

func (s *FileCheckpointStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *FileCheckpointStore) checkpointPath(sessionID string, ordinal int) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("stage-%04d.ckpt", ordinal))
}

func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	env := checkpointEnvelope{
		SessionID:     cp.SessionID,
		Ordinal:       cp.Ordinal,
		Stage:         cp.Meta.Stage,
		PayloadKind:   cp.Meta.PayloadKind,
		SchemaVersion: cp.Meta.SchemaVersion,
		CreatedAt:     cp.Meta.CreatedAt,
		Skipped:       cp.Meta.Skipped,
		Payload:       base64.StdEncoding.EncodeToString(cp.Payload),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// Temp file in the target directory so the rename stays on one
	// filesystem and is atomic.
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, s.checkpointPath(cp.SessionID, cp.Ordinal))
}

func (s *FileCheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string, ordinal int) (Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(sessionID, ordinal))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		return Checkpoint{}, err
	}

	var env checkpointEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint %s/%d: %w", sessionID, ordinal, err)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint %s/%d: %w", sessionID, ordinal, err)
	}

	return Checkpoint{
		SessionID: env.SessionID,
		Ordinal:   env.Ordinal,
		Payload:   payload,
		Meta: CheckpointMeta{
			Stage:         env.Stage,
			PayloadKind:   env.PayloadKind,
			SchemaVersion: env.SchemaVersion,
			CreatedAt:     env.CreatedAt,
			Skipped:       env.Skipped,
		},
	}, nil
}

func (s *FileCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string) ([]int, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ordinals []int
	for _, entry := range entries {
		var ord int
		if n, err := fmt.Sscanf(entry.Name(), "stage-%d.ckpt", &ord); err != nil || n != 1 {
			// Skip temp files and anything else.
			continue
		}
		ordinals = append(ordinals, ord)
	}
	// ReadDir returns entries sorted by name; zero-padded names keep
	// ordinal order.
	return ordinals, nil
}

func (s *FileCheckpointStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}

func (s *FileCheckpointStore) DeleteCheckpointsFrom(ctx context.Context, sessionID string, ordinal int) error {
	ordinals, err := s.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, ord := range ordinals {
		if ord < ordinal {
			continue
		}
		if err := os.Remove(s.checkpointPath(sessionID, ord)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
