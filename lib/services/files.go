package services

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const filePrefix = "/files/"

// FileService stores and retrieves AudioFile entities.
type FileService struct {
	backend backend.Backend
}

// NewFileService returns a FileService backed by bk.
func NewFileService(bk backend.Backend) *FileService {
	return &FileService{backend: bk}
}

func fileKey(id string) []byte {
	return []byte(filePrefix + id)
}

// CreateFile persists a new AudioFile.
func (s *FileService) CreateFile(ctx context.Context, f *types.AudioFile) error {
	value, err := marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: fileKey(f.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetFile reads an AudioFile by id.
func (s *FileService) GetFile(ctx context.Context, id string) (*types.AudioFile, error) {
	item, err := s.backend.Get(ctx, fileKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("file %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var f types.AudioFile
	if err := unmarshal(item.Value, &f); err != nil {
		return nil, trace.Wrap(err)
	}
	return &f, nil
}

// UpdateFile overwrites an AudioFile record.
func (s *FileService) UpdateFile(ctx context.Context, f *types.AudioFile) error {
	value, err := marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: fileKey(f.ID), Value: value}); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("file %q not found", f.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// DeleteFile removes an AudioFile record.
func (s *FileService) DeleteFile(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, fileKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("file %q not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListFiles returns up to limit files (0 = backend default page size).
func (s *FileService) ListFiles(ctx context.Context, limit int) ([]*types.AudioFile, error) {
	prefix := []byte(filePrefix)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.AudioFile, 0, len(result.Items))
	for _, item := range result.Items {
		var f types.AudioFile
		if err := unmarshal(item.Value, &f); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &f)
	}
	return out, nil
}
