package services

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const checkpointPrefix = "/checkpoints/"

// CheckpointService stores and retrieves per-user, per-file
// playback bookmarks. It carries no authorization logic of its own;
// callers must confirm the caller owns the checkpoint.
type CheckpointService struct {
	backend backend.Backend
}

// NewCheckpointService returns a CheckpointService backed by bk.
func NewCheckpointService(bk backend.Backend) *CheckpointService {
	return &CheckpointService{backend: bk}
}

func checkpointKey(userID, id string) []byte {
	return []byte(checkpointPrefix + userID + "/" + id)
}

func userCheckpointsPrefix(userID string) []byte {
	return []byte(checkpointPrefix + userID + "/")
}

// PutCheckpoint creates or overwrites a checkpoint.
func (s *CheckpointService) PutCheckpoint(ctx context.Context, c *types.Checkpoint) error {
	value, err := marshal(c)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: checkpointKey(c.UserID, c.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetCheckpoint reads a single checkpoint owned by userID.
func (s *CheckpointService) GetCheckpoint(ctx context.Context, userID, id string) (*types.Checkpoint, error) {
	item, err := s.backend.Get(ctx, checkpointKey(userID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("checkpoint %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var c types.Checkpoint
	if err := unmarshal(item.Value, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// DeleteCheckpoint removes a checkpoint owned by userID.
func (s *CheckpointService) DeleteCheckpoint(ctx context.Context, userID, id string) error {
	if err := s.backend.Delete(ctx, checkpointKey(userID, id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("checkpoint %q not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListCheckpoints returns every checkpoint owned by userID.
func (s *CheckpointService) ListCheckpoints(ctx context.Context, userID string) ([]*types.Checkpoint, error) {
	prefix := userCheckpointsPrefix(userID)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Checkpoint, 0, len(result.Items))
	for _, item := range result.Items {
		var c types.Checkpoint
		if err := unmarshal(item.Value, &c); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &c)
	}
	return out, nil
}
