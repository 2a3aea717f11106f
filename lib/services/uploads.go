package services

import (
	"context"
	"sort"
	"time"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return t, nil
}

const uploadPrefix = "/uploads/"

// UploadService stores and retrieves UploadSession records. Chunk
// bytes themselves live on disk under the session's workspace
// (lib/upload), not in the backend.
type UploadService struct {
	backend backend.Backend
}

// NewUploadService returns an UploadService backed by bk.
func NewUploadService(bk backend.Backend) *UploadService {
	return &UploadService{backend: bk}
}

func uploadKey(id string) []byte {
	return []byte(uploadPrefix + id)
}

// uploadRecord is the JSON-serializable projection of an
// UploadSession: ReceivedIndices is stored as a sorted slice since
// JSON object keys must be strings and we want a stable wire shape.
type uploadRecord struct {
	ID              string             `json:"id"`
	UploaderID      string             `json:"uploaderId"`
	FileName        string             `json:"fileName"`
	FileSize        int64              `json:"fileSize"`
	MimeType        string             `json:"mimeType"`
	TotalChunks     int                `json:"totalChunks"`
	ExpectedSha256  string             `json:"expectedSha256"`
	ReceivedIndices []int              `json:"receivedIndices"`
	WorkspacePath   string             `json:"workspacePath"`
	State           types.UploadState  `json:"state"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
}

func toRecord(u *types.UploadSession) *uploadRecord {
	indices := make([]int, 0, len(u.ReceivedIndices))
	for idx := range u.ReceivedIndices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return &uploadRecord{
		ID:              u.ID,
		UploaderID:      u.UploaderID,
		FileName:        u.FileName,
		FileSize:        u.FileSize,
		MimeType:        u.MimeType,
		TotalChunks:     u.TotalChunks,
		ExpectedSha256:  u.ExpectedSha256,
		ReceivedIndices: indices,
		WorkspacePath:   u.WorkspacePath,
		State:           u.State,
		CreatedAt:       u.CreatedAt.Format(timeLayout),
		UpdatedAt:       u.UpdatedAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fromRecord(r *uploadRecord) (*types.UploadSession, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	indices := make(map[int]bool, len(r.ReceivedIndices))
	for _, idx := range r.ReceivedIndices {
		indices[idx] = true
	}
	return &types.UploadSession{
		ID:              r.ID,
		UploaderID:      r.UploaderID,
		FileName:        r.FileName,
		FileSize:        r.FileSize,
		MimeType:        r.MimeType,
		TotalChunks:     r.TotalChunks,
		ExpectedSha256:  r.ExpectedSha256,
		ReceivedIndices: indices,
		WorkspacePath:   r.WorkspacePath,
		State:           r.State,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}, nil
}

// PutUpload creates or overwrites an upload session record.
func (s *UploadService) PutUpload(ctx context.Context, u *types.UploadSession) error {
	value, err := marshal(toRecord(u))
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: uploadKey(u.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetUpload reads an upload session by id.
func (s *UploadService) GetUpload(ctx context.Context, id string) (*types.UploadSession, error) {
	item, err := s.backend.Get(ctx, uploadKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.WithField(trace.NotFound("upload %q not found", id), "code", "UploadNotFound")
		}
		return nil, trace.Wrap(err)
	}
	var r uploadRecord
	if err := unmarshal(item.Value, &r); err != nil {
		return nil, trace.Wrap(err)
	}
	return fromRecord(&r)
}

// DeleteUpload removes an upload session record.
func (s *UploadService) DeleteUpload(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, uploadKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("upload %q not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListUploads returns every upload session on record.
func (s *UploadService) ListUploads(ctx context.Context) ([]*types.UploadSession, error) {
	prefix := []byte(uploadPrefix)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.UploadSession, 0, len(result.Items))
	for _, item := range result.Items {
		var r uploadRecord
		if err := unmarshal(item.Value, &r); err != nil {
			return nil, trace.Wrap(err)
		}
		u, err := fromRecord(&r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, u)
	}
	return out, nil
}
