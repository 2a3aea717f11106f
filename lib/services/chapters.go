package services

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const chapterPrefix = "/chapters/"

// ChapterService stores and retrieves Chapter metadata. The actual
// encryption and decryption of chapter payloads lives in
// lib/chapters; this service only persists the bookkeeping rows.
type ChapterService struct {
	backend backend.Backend
}

// NewChapterService returns a ChapterService backed by bk.
func NewChapterService(bk backend.Backend) *ChapterService {
	return &ChapterService{backend: bk}
}

func chapterFilePrefix(fileID string) []byte {
	return []byte(chapterPrefix + fileID + "/")
}

func chapterKey(fileID, chapterID string) []byte {
	return []byte(chapterPrefix + fileID + "/" + chapterID)
}

// PutChapter creates or overwrites a chapter record.
func (s *ChapterService) PutChapter(ctx context.Context, c *types.Chapter) error {
	value, err := marshal(c)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Put(ctx, backend.Item{Key: chapterKey(c.FileID, c.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetChapter reads a single chapter.
func (s *ChapterService) GetChapter(ctx context.Context, fileID, chapterID string) (*types.Chapter, error) {
	item, err := s.backend.Get(ctx, chapterKey(fileID, chapterID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("chapter %q not found", chapterID)
		}
		return nil, trace.Wrap(err)
	}
	var c types.Chapter
	if err := unmarshal(item.Value, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// DeleteChapter removes a chapter record. Callers must enforce the
// "no delete while ready" rule before calling this.
func (s *ChapterService) DeleteChapter(ctx context.Context, fileID, chapterID string) error {
	if err := s.backend.Delete(ctx, chapterKey(fileID, chapterID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("chapter %q not found", chapterID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListChapters returns every chapter of fileID, ordered by Ordinal.
func (s *ChapterService) ListChapters(ctx context.Context, fileID string) ([]*types.Chapter, error) {
	prefix := chapterFilePrefix(fileID)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Chapter, 0, len(result.Items))
	for _, item := range result.Items {
		var c types.Chapter
		if err := unmarshal(item.Value, &c); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// ReplacePendingChapters replaces the pending set for fileID: every
// existing pending chapter is deleted, then the new set is written.
// Ready chapters are left untouched. The deletes and writes are
// separate backend calls, not one transaction: an error part-way
// leaves a partially replaced pending set.
func (s *ChapterService) ReplacePendingChapters(ctx context.Context, fileID string, chapters []*types.Chapter) error {
	existing, err := s.ListChapters(ctx, fileID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, c := range existing {
		if c.Status != types.ChapterPending {
			continue
		}
		if err := s.DeleteChapter(ctx, fileID, c.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, c := range chapters {
		if err := s.PutChapter(ctx, c); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ValidateNonOverlapping enforces the chapter ordering invariant:
// chapters are strictly ordered by startTime and ranges are
// non-overlapping.
func ValidateNonOverlapping(chapters []*types.Chapter) error {
	sorted := make([]*types.Chapter, len(chapters))
	copy(sorted, chapters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartSeconds < sorted[j].StartSeconds })

	for i, c := range sorted {
		if c.EndSeconds != nil && *c.EndSeconds <= c.StartSeconds {
			return trace.WithField(trace.BadParameter("chapter %q has endTime <= startTime", c.Label), "code", "ChapterOutOfRange")
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.EndSeconds == nil {
			return trace.WithField(trace.BadParameter("chapter %q has no endTime but is followed by %q", prev.Label, c.Label), "code", "ChapterOverlaps")
		}
		if c.StartSeconds < *prev.EndSeconds {
			return trace.WithField(trace.BadParameter("chapter %q overlaps chapter %q", c.Label, prev.Label), "code", "ChapterOverlaps")
		}
	}
	return nil
}
