package services

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const fileAccessPrefix = "/file_access/"

// FileAccessService stores and retrieves FileAccess grants.
type FileAccessService struct {
	backend backend.Backend
}

// NewFileAccessService returns a FileAccessService backed by bk.
func NewFileAccessService(bk backend.Backend) *FileAccessService {
	return &FileAccessService{backend: bk}
}

func fileAccessKey(id string) []byte {
	return []byte(fileAccessPrefix + id)
}

func fileAccessByFilePrefix(fileID string) []byte {
	return []byte(fileAccessPrefix + "by_file/" + fileID + "/")
}

func fileAccessByFileKey(fileID, grantID string) []byte {
	return []byte(fileAccessPrefix + "by_file/" + fileID + "/" + grantID)
}

// CreateGrant persists a new FileAccess grant under both indices.
func (s *FileAccessService) CreateGrant(ctx context.Context, g *types.FileAccess) error {
	value, err := marshal(g)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: fileAccessKey(g.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: fileAccessByFileKey(g.FileID, g.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// UpdateGrant overwrites an existing grant.
func (s *FileAccessService) UpdateGrant(ctx context.Context, g *types.FileAccess) error {
	return s.CreateGrant(ctx, g)
}

// GetGrant reads a grant by id.
func (s *FileAccessService) GetGrant(ctx context.Context, id string) (*types.FileAccess, error) {
	item, err := s.backend.Get(ctx, fileAccessKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("file access grant %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var g types.FileAccess
	if err := unmarshal(item.Value, &g); err != nil {
		return nil, trace.Wrap(err)
	}
	return &g, nil
}

// DeleteGrant removes a grant from both indices.
func (s *FileAccessService) DeleteGrant(ctx context.Context, id string) error {
	g, err := s.GetGrant(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Delete(ctx, fileAccessKey(id)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Delete(ctx, fileAccessByFileKey(g.FileID, id)))
}

// ListGrantsForFile returns every grant recorded against fileID.
func (s *FileAccessService) ListGrantsForFile(ctx context.Context, fileID string) ([]*types.FileAccess, error) {
	prefix := fileAccessByFilePrefix(fileID)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.FileAccess, 0, len(result.Items))
	for _, item := range result.Items {
		var g types.FileAccess
		if err := unmarshal(item.Value, &g); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &g)
	}
	return out, nil
}

// Authorize reports whether u may view f: the file is public, u holds
// a live (unexpired) grant against it, u is an admin, or u uploaded it.
func (s *FileAccessService) Authorize(ctx context.Context, u *types.User, f *types.AudioFile, now time.Time) (bool, error) {
	if f.Visibility == types.VisibilityPublic {
		return true, nil
	}
	if u.Role == types.RoleAdmin {
		return true, nil
	}
	if f.UploaderID == u.ID {
		return true, nil
	}

	grants, err := s.ListGrantsForFile(ctx, f.ID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, g := range grants {
		if g.UserID == u.ID && g.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}
