package chapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

var log = logrus.WithField(trace.Component, "chapters")

// StorageType selects where a finalized chapter's ciphertext lands.
type StorageType string

const (
	StorageFilesystem StorageType = "filesystem"
	StorageDatabase   StorageType = "database"
)

// Cryptor implements finalizeChapters and the surrounding chapter CRUD,
// grounded on the same per-chapter independent-key invariant: a ready
// chapter is decryptable from the root key and its own metadata alone.
type Cryptor struct {
	RootKey     []byte
	Chapters    *services.ChapterService
	Files       *services.FileService
	StorageRoot string
	Clock       clockwork.Clock
}

// NewCryptor constructs a Cryptor. rootKey must be at least 32 bytes.
func NewCryptor(rootKey []byte, chapters *services.ChapterService, files *services.FileService, storageRoot string, clock clockwork.Clock) (*Cryptor, error) {
	if len(rootKey) < 32 {
		return nil, trace.BadParameter("root key must be at least 32 bytes")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cryptor{RootKey: rootKey, Chapters: chapters, Files: files, StorageRoot: storageRoot, Clock: clock}, nil
}

// UpsertChapters replaces the pending chapter set for fileId,
// validating ordering and non-overlap first. The replacement goes
// through services.ChapterService.ReplacePendingChapters and is not
// atomic: a backend error part-way leaves a partial pending set.
func (c *Cryptor) UpsertChapters(ctx context.Context, fileID string, defs []types.Chapter) ([]*types.Chapter, error) {
	if err := services.ValidateNonOverlapping(toPointers(defs)); err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]*types.Chapter, len(defs))
	for i := range defs {
		d := defs[i]
		d.ID = uuid.NewString()
		d.FileID = fileID
		d.Ordinal = i
		d.Status = types.ChapterPending
		out[i] = &d
	}

	if err := c.Chapters.ReplacePendingChapters(ctx, fileID, out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func toPointers(defs []types.Chapter) []*types.Chapter {
	out := make([]*types.Chapter, len(defs))
	for i := range defs {
		out[i] = &defs[i]
	}
	return out
}

// UpdateChapter updates a single pending chapter's label/time bounds.
func (c *Cryptor) UpdateChapter(ctx context.Context, fileID, chapterID string, label string, start float64, end *float64) (*types.Chapter, error) {
	ch, err := c.Chapters.GetChapter(ctx, fileID, chapterID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if ch.Status == types.ChapterReady {
		return nil, trace.WithField(trace.BadParameter("cannot edit a ready chapter"), "code", "ChapterNotReady")
	}
	ch.Label = label
	ch.StartSeconds = start
	ch.EndSeconds = end

	siblings, err := c.Chapters.ListChapters(ctx, fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i, s := range siblings {
		if s.ID == ch.ID {
			siblings[i] = ch
		}
	}
	if err := services.ValidateNonOverlapping(siblings); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := c.Chapters.PutChapter(ctx, ch); err != nil {
		return nil, trace.Wrap(err)
	}
	return ch, nil
}

// DeleteChapter removes a chapter, forbidden while ready unless
// forceReset is set (an explicit cascade through a reset operation).
func (c *Cryptor) DeleteChapter(ctx context.Context, fileID, chapterID string, forceReset bool) error {
	ch, err := c.Chapters.GetChapter(ctx, fileID, chapterID)
	if err != nil {
		return trace.Wrap(err)
	}
	if ch.Status == types.ChapterReady && !forceReset {
		return trace.WithField(trace.BadParameter("chapter is ready; reset before deleting"), "code", "ChapterNotReady")
	}
	return trace.Wrap(c.Chapters.DeleteChapter(ctx, fileID, chapterID))
}

// ListChapters returns all chapters of fileID in ordinal order.
func (c *Cryptor) ListChapters(ctx context.Context, fileID string) ([]*types.Chapter, error) {
	return c.Chapters.ListChapters(ctx, fileID)
}

// LoadSample populates a canonical three-chapter layout for demos and
// tests: Intro/Body/Outro evenly spanning the file's duration.
func (c *Cryptor) LoadSample(ctx context.Context, fileID string, duration float64) ([]*types.Chapter, error) {
	third := duration / 3
	end1, end2 := third, 2*third
	return c.UpsertChapters(ctx, fileID, []types.Chapter{
		{Label: "Intro", StartSeconds: 0, EndSeconds: &end1},
		{Label: "Body", StartSeconds: end1, EndSeconds: &end2},
		{Label: "Outro", StartSeconds: end2, EndSeconds: nil},
	})
}

// FinalizeSummary reports the outcome of a finalize pass.
type FinalizeSummary struct {
	Finalized int
	Failed    int
	Errors    []string
}

// FinalizeChapters cuts, encrypts and persists every pending chapter
// of fileID, using a byte-offset approximation of the [startTime,
// endTime] window proportional to the file's total duration (see
// DESIGN.md for why a full container-aware cut is out of reach here).
// A chapter whose cut or encryption fails is marked failed and does
// not block the rest of the pass.
func (c *Cryptor) FinalizeChapters(ctx context.Context, fileID string, storageType StorageType, sourcePath string, scheme types.CryptoScheme) (*FinalizeSummary, error) {
	f, err := c.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pending, err := c.Chapters.ListChapters(ctx, fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	totalBytes := info.Size()

	summary := &FinalizeSummary{}
	for _, ch := range pending {
		if ch.Status != types.ChapterPending {
			continue
		}
		if err := c.finalizeOne(ctx, f, ch, sourcePath, totalBytes, storageType, scheme); err != nil {
			ch.Status = types.ChapterFailed
			ch.FailureReason = err.Error()
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", ch.Label, err))
			if perr := c.Chapters.PutChapter(ctx, ch); perr != nil {
				log.WithError(perr).Error("Failed to persist failed chapter status.")
			}
			continue
		}
		summary.Finalized++
	}
	return summary, nil
}

func (c *Cryptor) finalizeOne(ctx context.Context, f *types.AudioFile, ch *types.Chapter, sourcePath string, totalBytes int64, storageType StorageType, scheme types.CryptoScheme) error {
	start := byteOffset(ch.StartSeconds, f.Duration, totalBytes)
	var end int64
	if ch.EndSeconds != nil {
		end = byteOffset(*ch.EndSeconds, f.Duration, totalBytes)
	} else {
		end = totalBytes
	}
	if end <= start || start < 0 || end > totalBytes {
		return trace.WithField(trace.BadParameter("chapter %q resolves to an empty or out-of-range byte range", ch.Label), "code", "ChapterOutOfRange")
	}

	plaintext := make([]byte, end-start)
	src, err := os.Open(sourcePath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer src.Close()
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return trace.Wrap(err)
	}
	if _, err := io.ReadFull(src, plaintext); err != nil {
		return trace.Wrap(err)
	}

	key, err := DeriveDataKey(c.RootKey, ch.ID, ch.FileID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer secureZero(key)

	blob, err := EncryptChapter(key, plaintext, scheme)
	if err != nil {
		return trace.Wrap(err)
	}

	switch storageType {
	case StorageDatabase:
		ch.InlineBlob = blob
	default:
		path := filepath.Join(c.StorageRoot, ch.FileID, ch.ID+".enc")
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return trace.ConvertSystemError(err)
		}
		if err := os.WriteFile(path, blob, 0o640); err != nil {
			return trace.ConvertSystemError(err)
		}
		ch.StoragePath = path
	}

	now := c.Clock.Now().UTC()
	ch.Status = types.ChapterReady
	ch.PlainSize = int64(len(plaintext))
	ch.EncryptedSize = int64(len(blob))
	ch.Scheme = scheme
	ch.FinalizedAt = &now
	ch.FailureReason = ""

	return trace.Wrap(c.Chapters.PutChapter(ctx, ch))
}

// byteOffset maps a timestamp in seconds to an approximate byte
// offset in a file of totalBytes assuming constant bitrate across
// duration seconds.
func byteOffset(seconds, duration float64, totalBytes int64) int64 {
	if duration <= 0 {
		return 0
	}
	frac := seconds / duration
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return int64(frac * float64(totalBytes))
}

// LoadPlaintext decrypts a ready chapter's ciphertext in full,
// returning the plaintext bytes. Whole-chapter AEAD verification
// requires the full ciphertext before any byte can be trusted, so
// both supported schemes are read and authenticated in full here;
// the streaming engine then serves byte ranges out of the result.
func (c *Cryptor) LoadPlaintext(ch *types.Chapter) ([]byte, error) {
	if ch.Status != types.ChapterReady {
		return nil, trace.WithField(trace.BadParameter("chapter %q is not ready", ch.ID), "code", "ChapterNotReady")
	}

	var blob []byte
	if len(ch.InlineBlob) > 0 {
		blob = ch.InlineBlob
	} else {
		data, err := os.ReadFile(ch.StoragePath)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		blob = data
	}

	key, err := DeriveDataKey(c.RootKey, ch.ID, ch.FileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer secureZero(key)

	plaintext, err := DecryptChapter(key, blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plaintext, nil
}

// NewPlaintextReader decrypts ch to a private temp file and returns a
// ReadSeekCloser over it, rather than an in-memory byte slice: a
// caller streaming a byte range out of it only ever holds the
// plaintext on disk, not resident in the process for the life of the
// response. Close removes the temp file.
func (c *Cryptor) NewPlaintextReader(ch *types.Chapter) (io.ReadSeekCloser, error) {
	plaintext, err := c.LoadPlaintext(ch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer secureZero(plaintext)

	f, err := os.CreateTemp("", "chapter-*.plain")
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if _, err := f.Write(plaintext); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, trace.ConvertSystemError(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, trace.Wrap(err)
	}
	return &spooledChapter{File: f}, nil
}

// spooledChapter is a temp file holding one chapter's decrypted
// plaintext; Close both closes and removes it.
type spooledChapter struct {
	*os.File
}

func (s *spooledChapter) Close() error {
	closeErr := s.File.Close()
	os.Remove(s.File.Name())
	return closeErr
}

// MarkChapterFailed transitions ch to failed after a stream-time
// decrypt or integrity failure, so it is not served again until
// re-finalized.
func (c *Cryptor) MarkChapterFailed(ctx context.Context, ch *types.Chapter, cause error) error {
	ch.Status = types.ChapterFailed
	ch.FailureReason = cause.Error()
	return trace.Wrap(c.Chapters.PutChapter(ctx, ch))
}
