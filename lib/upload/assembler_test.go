package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend/memory"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func newTestAssembler(t *testing.T) (*Assembler, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	if err != nil {
		t.Fatalf("memory.New() error: %v", err)
	}
	root := t.TempDir()
	a, err := NewAssembler(Config{
		Uploads:       services.NewUploadService(bk),
		Files:         services.NewFileService(bk),
		WorkspaceRoot: filepath.Join(root, "uploads"),
		FileStoreRoot: filepath.Join(root, "originals"),
		MaxChunkBytes: 16,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewAssembler() error: %v", err)
	}
	return a, clock
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestAssemblerInitAndPutChunk(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef0123456789abcdef")
	full := sha256Hex(data)

	u, err := a.Init(ctx, "user-1", "song.mp3", int64(len(data)), 2, full, "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if u.State != types.UploadOpen {
		t.Fatalf("new upload state = %v, want UploadOpen", u.State)
	}

	if err := a.PutChunk(ctx, u.ID, 0, data[0:16]); err != nil {
		t.Fatalf("PutChunk(0) error: %v", err)
	}
	if err := a.PutChunk(ctx, u.ID, 1, data[16:32]); err != nil {
		t.Fatalf("PutChunk(1) error: %v", err)
	}

	status, err := a.Status(ctx, u.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if !status.ReceivedIndices[i] {
			t.Fatalf("chunk %d not recorded as received", i)
		}
	}
}

func TestAssemblerPutChunkIdempotentRepeat(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	chunk := []byte("0123456789abcdef")
	u, err := a.Init(ctx, "user-1", "song.mp3", int64(len(chunk)), 1, sha256Hex(chunk), "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := a.PutChunk(ctx, u.ID, 0, chunk); err != nil {
		t.Fatalf("first PutChunk() error: %v", err)
	}
	// identical repeat succeeds
	if err := a.PutChunk(ctx, u.ID, 0, chunk); err != nil {
		t.Fatalf("repeat PutChunk() with identical bytes should succeed, got: %v", err)
	}
}

func TestAssemblerPutChunkConflictOnMismatch(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	u, err := a.Init(ctx, "user-1", "song.mp3", 16, 1, "deadbeef", "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if err := a.PutChunk(ctx, u.ID, 0, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("PutChunk() error: %v", err)
	}
	err = a.PutChunk(ctx, u.ID, 0, []byte("fedcba9876543210"))
	if err == nil {
		t.Fatal("expected ChunkConflict error on mismatched repeat")
	}
	terr, ok := err.(trace.Error)
	if !ok || terr.GetFields()["code"] != "ChunkConflict" {
		t.Fatalf("expected code=ChunkConflict, got %v", err)
	}
}

func TestAssemblerPutChunkRejectsOversize(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	u, err := a.Init(ctx, "user-1", "song.mp3", 100, 1, "deadbeef", "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	oversized := bytes.Repeat([]byte{0}, int(a.MaxChunkBytes())+1)
	err = a.PutChunk(ctx, u.ID, 0, oversized)
	if err == nil {
		t.Fatal("expected error for oversized chunk")
	}
}

func TestAssemblerFinalizeSuccess(t *testing.T) {
	a, clock := newTestAssembler(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef0123456789abcdef")
	u, err := a.Init(ctx, "user-1", "song.mp3", int64(len(data)), 2, sha256Hex(data), "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := a.PutChunk(ctx, u.ID, 0, data[:16]); err != nil {
		t.Fatalf("PutChunk(0) error: %v", err)
	}
	if err := a.PutChunk(ctx, u.ID, 1, data[16:]); err != nil {
		t.Fatalf("PutChunk(1) error: %v", err)
	}

	clock.Advance(0)
	f, err := a.Finalize(ctx, u.ID, FinalizeInput{Title: "My Song", Visibility: types.VisibilityPrivate})
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if f.Size != int64(len(data)) {
		t.Fatalf("finalized size = %d, want %d", f.Size, len(data))
	}
	if f.Sha256 != sha256Hex(data) {
		t.Fatalf("finalized sha256 = %s, want %s", f.Sha256, sha256Hex(data))
	}

	status, err := a.Status(ctx, u.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.State != types.UploadCompleted {
		t.Fatalf("upload state = %v, want UploadCompleted", status.State)
	}
	if _, err := os.Stat(u.WorkspacePath); !os.IsNotExist(err) {
		t.Fatal("workspace should be removed after successful finalize")
	}
}

func TestAssemblerFinalizeMissingChunkReopens(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	u, err := a.Init(ctx, "user-1", "song.mp3", 16, 2, "deadbeef", "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := a.PutChunk(ctx, u.ID, 0, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("PutChunk(0) error: %v", err)
	}
	// chunk 1 never arrives

	_, err = a.Finalize(ctx, u.ID, FinalizeInput{Title: "My Song"})
	if err == nil {
		t.Fatal("expected finalize to fail with a missing chunk")
	}

	status, err := a.Status(ctx, u.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.State != types.UploadOpen {
		t.Fatalf("upload state after missing-chunk finalize failure = %v, want UploadOpen (recoverable)", status.State)
	}
}

func TestAssemblerFinalizeHashMismatchAborts(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef")
	u, err := a.Init(ctx, "user-1", "song.mp3", int64(len(data)), 1, "0000000000000000000000000000000000000000000000000000000000000000", "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := a.PutChunk(ctx, u.ID, 0, data); err != nil {
		t.Fatalf("PutChunk() error: %v", err)
	}

	_, err = a.Finalize(ctx, u.ID, FinalizeInput{Title: "My Song"})
	if err == nil {
		t.Fatal("expected finalize to fail on hash mismatch")
	}

	status, err := a.Status(ctx, u.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.State != types.UploadAborted {
		t.Fatalf("upload state after hash-mismatch finalize failure = %v, want UploadAborted (unrecoverable)", status.State)
	}
	if _, err := os.Stat(u.WorkspacePath); !os.IsNotExist(err) {
		t.Fatal("workspace should be removed after an aborted finalize")
	}
}

func TestAssemblerAbort(t *testing.T) {
	a, _ := newTestAssembler(t)
	ctx := context.Background()

	u, err := a.Init(ctx, "user-1", "song.mp3", 16, 1, "deadbeef", "audio/mpeg")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := a.Abort(ctx, u.ID); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	status, err := a.Status(ctx, u.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.State != types.UploadAborted {
		t.Fatalf("state = %v, want UploadAborted", status.State)
	}
	if _, err := os.Stat(u.WorkspacePath); !os.IsNotExist(err) {
		t.Fatal("workspace should be removed after abort")
	}
}
