// Package upload implements the chunked, resumable upload assembler:
// chunk ingest, integrity-checked finalization into a durable
// AudioFile, and a background sweeper that reclaims abandoned
// workspaces, using scoped mutual exclusion by upload id and a
// checkpoint-file shape for tracking received chunks.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/metrics"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

var log = logrus.WithField(trace.Component, "upload")

// DurationProber probes the duration, in seconds, of a finalized
// audio file on disk. The media-format probe is treated as an
// external collaborator; callers inject a concrete implementation
// (or a stub that returns 0 for tests).
type DurationProber func(path string) (float64, error)

// Config configures an Assembler.
type Config struct {
	Uploads       *services.UploadService
	Files         *services.FileService
	WorkspaceRoot string
	FileStoreRoot string
	MaxChunkBytes int64
	Clock         clockwork.Clock
	ProbeDuration DurationProber
}

// CheckAndSetDefaults fills in unset fields with their defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Uploads == nil || c.Files == nil {
		return trace.BadParameter("uploads and files services are required")
	}
	if c.WorkspaceRoot == "" {
		return trace.BadParameter("workspace root is required")
	}
	if c.FileStoreRoot == "" {
		return trace.BadParameter("file store root is required")
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 5 * 1024 * 1024
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ProbeDuration == nil {
		c.ProbeDuration = func(string) (float64, error) { return 0, nil }
	}
	return nil
}

// Assembler implements init/putChunk/status/finalize/abort.
type Assembler struct {
	cfg Config

	mu          sync.Mutex
	finalizeMus map[string]*sync.Mutex
}

// NewAssembler constructs an Assembler from cfg.
func NewAssembler(cfg Config) (*Assembler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Assembler{cfg: cfg, finalizeMus: make(map[string]*sync.Mutex)}, nil
}

// MaxChunkBytes returns the configured per-chunk size ceiling, for
// callers that must reject an oversized chunk before reading its body.
func (a *Assembler) MaxChunkBytes() int64 {
	return a.cfg.MaxChunkBytes
}

func (a *Assembler) finalizeLock(uploadID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.finalizeMus[uploadID]
	if !ok {
		m = &sync.Mutex{}
		a.finalizeMus[uploadID] = m
	}
	return m
}

func (a *Assembler) workspacePath(uploadID string) string {
	return filepath.Join(a.cfg.WorkspaceRoot, uploadID)
}

// Init creates a new upload session in state open and allocates its
// workspace directory.
func (a *Assembler) Init(ctx context.Context, uploaderID, fileName string, fileSize int64, totalChunks int, expectedSha256, mime string) (*types.UploadSession, error) {
	if totalChunks <= 0 {
		return nil, trace.BadParameter("totalChunks must be positive")
	}
	id := uuid.NewString()
	workspace := a.workspacePath(id)
	if err := os.MkdirAll(workspace, 0o750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	now := a.cfg.Clock.Now().UTC()
	u := &types.UploadSession{
		ID:              id,
		UploaderID:      uploaderID,
		FileName:        fileName,
		FileSize:        fileSize,
		MimeType:        mime,
		TotalChunks:     totalChunks,
		ExpectedSha256:  expectedSha256,
		ReceivedIndices: make(map[int]bool),
		WorkspacePath:   workspace,
		State:           types.UploadOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return nil, trace.Wrap(err)
	}
	log.WithFields(logrus.Fields{"upload": id, "size": humanize.Bytes(uint64(fileSize))}).Info("Upload initialized.")
	return u, nil
}

// PutChunk writes chunk chunkIndex's bytes to the workspace via
// write-temp-then-rename. A repeat of identical bytes for an
// already-received index succeeds; mismatched bytes fail ChunkConflict.
func (a *Assembler) PutChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) error {
	if int64(len(data)) > a.cfg.MaxChunkBytes {
		return trace.WithField(trace.BadParameter("chunk exceeds maximum size"), "code", "IntegrityFailed")
	}

	u, err := a.cfg.Uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return trace.Wrap(err)
	}
	if u.State != types.UploadOpen {
		return trace.WithField(trace.BadParameter("upload %q is not open", uploadID), "code", "UploadNotFound")
	}
	if chunkIndex < 0 || chunkIndex >= u.TotalChunks {
		return trace.BadParameter("chunk index %d out of range", chunkIndex)
	}

	path := filepath.Join(u.WorkspacePath, fmt.Sprintf("%d", chunkIndex))

	if existing, err := os.ReadFile(path); err == nil {
		if sha256.Sum256(existing) != sha256.Sum256(data) {
			return trace.WithField(trace.BadParameter("chunk %d already received with different content", chunkIndex), "code", "ChunkConflict")
		}
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}

	u.ReceivedIndices[chunkIndex] = true
	u.UpdatedAt = a.cfg.Clock.Now().UTC()
	if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return trace.Wrap(err)
	}
	metrics.UploadChunksReceived.Inc()
	return nil
}

// Status returns the upload's received chunk indices for client resume.
func (a *Assembler) Status(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	return a.cfg.Uploads.GetUpload(ctx, uploadID)
}

// Abort transitions an upload to aborted and deletes its workspace.
func (a *Assembler) Abort(ctx context.Context, uploadID string) error {
	u, err := a.cfg.Uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return trace.Wrap(err)
	}
	u.State = types.UploadAborted
	u.UpdatedAt = a.cfg.Clock.Now().UTC()
	if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return trace.Wrap(err)
	}
	if err := os.RemoveAll(u.WorkspacePath); err != nil {
		log.WithError(err).Warn("Failed to remove upload workspace on abort.")
	}
	return nil
}

// FinalizeInput carries the metadata supplied alongside a finalize
// call that cannot be derived from the upload session itself.
type FinalizeInput struct {
	Title       string
	Visibility  types.Visibility
	CoverBytes  []byte
	CoverInline bool
}

// Finalize verifies every expected chunk is present and its
// concatenation hashes to ExpectedSha256, moves the result to durable
// storage, probes duration, and creates the AudioFile entity. At most
// one finalize per uploadID runs at a time.
func (a *Assembler) Finalize(ctx context.Context, uploadID string, in FinalizeInput) (*types.AudioFile, error) {
	lock := a.finalizeLock(uploadID)
	lock.Lock()
	defer lock.Unlock()

	u, err := a.cfg.Uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !u.State.CanTransitionTo(types.UploadFinalizing) {
		return nil, trace.WithField(trace.BadParameter("upload %q cannot be finalized from state %q", uploadID, u.State), "code", "UploadBusy")
	}
	u.State = types.UploadFinalizing
	u.UpdatedAt = a.cfg.Clock.Now().UTC()
	if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return nil, trace.Wrap(err)
	}

	file, finalizeErr := a.finalizeLocked(ctx, u, in)
	if finalizeErr != nil {
		if isIntegrityFailure(finalizeErr) {
			u.State = types.UploadAborted
			_ = os.RemoveAll(u.WorkspacePath)
			metrics.UploadsAborted.Inc()
		} else {
			u.State = types.UploadOpen
		}
		u.UpdatedAt = a.cfg.Clock.Now().UTC()
		if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
			log.WithError(err).Error("Failed to persist upload state after failed finalize.")
		}
		return nil, trace.Wrap(finalizeErr)
	}

	u.State = types.UploadCompleted
	u.UpdatedAt = a.cfg.Clock.Now().UTC()
	if err := a.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.RemoveAll(u.WorkspacePath); err != nil {
		log.WithError(err).Warn("Failed to remove upload workspace after finalize.")
	}
	metrics.UploadsFinalized.Inc()
	return file, nil
}

// DirectUpload stores a single small file straight to durable storage
// without the chunk/resume machinery, for callers that already have
// the whole body in hand (the admin multipart upload endpoint).
func (a *Assembler) DirectUpload(ctx context.Context, uploaderID, mimeType string, body io.Reader, in FinalizeInput) (*types.AudioFile, error) {
	destDir := a.cfg.FileStoreRoot
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fileID := uuid.NewString()
	destPath := filepath.Join(destDir, fileID)

	dest, err := os.Create(destPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer dest.Close()

	hasher := sha256.New()
	total, err := io.Copy(io.MultiWriter(dest, hasher), body)
	if err != nil {
		os.Remove(destPath)
		return nil, trace.ConvertSystemError(err)
	}

	duration, err := a.cfg.ProbeDuration(destPath)
	if err != nil {
		log.WithError(err).Warn("Duration probe failed; continuing with duration=0.")
	}

	f := &types.AudioFile{
		ID:         fileID,
		Title:      in.Title,
		UploaderID: uploaderID,
		Sha256:     hex.EncodeToString(hasher.Sum(nil)),
		Size:       total,
		MimeType:   mimeType,
		Duration:   duration,
		Visibility: in.Visibility,
		CreatedAt:  a.cfg.Clock.Now().UTC(),
	}
	if f.Visibility == "" {
		f.Visibility = types.VisibilityPrivate
	}
	if in.CoverInline {
		f.CoverInline = in.CoverBytes
	} else if len(in.CoverBytes) > 0 {
		coverPath := destPath + ".cover"
		if err := os.WriteFile(coverPath, in.CoverBytes, 0o640); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		f.CoverPath = coverPath
	}

	if err := a.cfg.Files.CreateFile(ctx, f); err != nil {
		return nil, trace.Wrap(err)
	}
	log.WithFields(logrus.Fields{"file": fileID, "size": humanize.Bytes(uint64(total))}).Info("File uploaded directly.")
	return f, nil
}

type integrityError struct{ error }

func isIntegrityFailure(err error) bool {
	_, ok := trace.Unwrap(err).(integrityError)
	return ok
}

func (a *Assembler) finalizeLocked(ctx context.Context, u *types.UploadSession, in FinalizeInput) (*types.AudioFile, error) {
	for i := 0; i < u.TotalChunks; i++ {
		if !u.ReceivedIndices[i] {
			return nil, trace.BadParameter("missing chunk %d of %d", i, u.TotalChunks)
		}
	}

	destDir := filepath.Join(a.cfg.FileStoreRoot)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fileID := uuid.NewString()
	destPath := filepath.Join(destDir, fileID)

	dest, err := os.Create(destPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer dest.Close()

	hasher := sha256.New()
	writer := io.MultiWriter(dest, hasher)
	var total int64
	for i := 0; i < u.TotalChunks; i++ {
		chunkPath := filepath.Join(u.WorkspacePath, fmt.Sprintf("%d", i))
		n, err := copyFile(writer, chunkPath)
		if err != nil {
			os.Remove(destPath)
			return nil, trace.Wrap(err)
		}
		total += n
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != u.ExpectedSha256 {
		os.Remove(destPath)
		return nil, trace.Wrap(integrityError{trace.WithField(trace.BadParameter("hash mismatch: got %s want %s", sum, u.ExpectedSha256), "code", "IntegrityFailed")})
	}
	if total != u.FileSize {
		os.Remove(destPath)
		return nil, trace.Wrap(integrityError{trace.WithField(trace.BadParameter("size mismatch: got %d want %d", total, u.FileSize), "code", "IntegrityFailed")})
	}

	duration, err := a.cfg.ProbeDuration(destPath)
	if err != nil {
		log.WithError(err).Warn("Duration probe failed; continuing with duration=0.")
	}

	f := &types.AudioFile{
		ID:         fileID,
		Title:      in.Title,
		UploaderID: u.UploaderID,
		Sha256:     sum,
		Size:       total,
		MimeType:   u.MimeType,
		Duration:   duration,
		Visibility: in.Visibility,
		CreatedAt:  a.cfg.Clock.Now().UTC(),
	}
	if f.Visibility == "" {
		f.Visibility = types.VisibilityPrivate
	}
	if in.CoverInline {
		f.CoverInline = in.CoverBytes
	} else if len(in.CoverBytes) > 0 {
		coverPath := destPath + ".cover"
		if err := os.WriteFile(coverPath, in.CoverBytes, 0o640); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		f.CoverPath = coverPath
	}

	if err := a.cfg.Files.CreateFile(ctx, f); err != nil {
		return nil, trace.Wrap(err)
	}
	return f, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return io.Copy(w, f)
}
