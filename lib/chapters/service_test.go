package chapters

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend/memory"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func newTestCryptor(t *testing.T) (*Cryptor, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	if err != nil {
		t.Fatalf("memory.New() error: %v", err)
	}
	rootKey := bytes.Repeat([]byte{0x7a}, 32)
	c, err := NewCryptor(rootKey, services.NewChapterService(bk), services.NewFileService(bk), t.TempDir(), clock)
	if err != nil {
		t.Fatalf("NewCryptor() error: %v", err)
	}
	return c, clock
}

func endAt(v float64) *float64 { return &v }

func TestUpsertChaptersRejectsOverlap(t *testing.T) {
	c, _ := newTestCryptor(t)
	ctx := context.Background()

	_, err := c.UpsertChapters(ctx, "file-1", []types.Chapter{
		{Label: "Intro", StartSeconds: 0, EndSeconds: endAt(10)},
		{Label: "Body", StartSeconds: 5, EndSeconds: endAt(20)},
	})
	if err == nil {
		t.Fatal("expected overlap validation error")
	}
}

func TestUpsertChaptersAssignsOrdinals(t *testing.T) {
	c, _ := newTestCryptor(t)
	ctx := context.Background()

	chaps, err := c.UpsertChapters(ctx, "file-1", []types.Chapter{
		{Label: "Intro", StartSeconds: 0, EndSeconds: endAt(10)},
		{Label: "Body", StartSeconds: 10, EndSeconds: nil},
	})
	if err != nil {
		t.Fatalf("UpsertChapters() error: %v", err)
	}
	if chaps[0].Ordinal != 0 || chaps[1].Ordinal != 1 {
		t.Fatalf("unexpected ordinals: %d, %d", chaps[0].Ordinal, chaps[1].Ordinal)
	}
	for _, ch := range chaps {
		if ch.Status != types.ChapterPending {
			t.Fatalf("chapter %q status = %v, want pending", ch.Label, ch.Status)
		}
	}
}

func TestFinalizeChaptersEncryptsAndMarksReady(t *testing.T) {
	c, _ := newTestCryptor(t)
	ctx := context.Background()

	sourceBytes := bytes.Repeat([]byte{0xAB}, 3000)
	sourcePath := filepath.Join(t.TempDir(), "source.mp3")
	if err := os.WriteFile(sourcePath, sourceBytes, 0o640); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	f := &types.AudioFile{ID: "file-1", Duration: 30}
	if err := c.Files.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile() error: %v", err)
	}

	if _, err := c.UpsertChapters(ctx, "file-1", []types.Chapter{
		{Label: "Intro", StartSeconds: 0, EndSeconds: endAt(10)},
		{Label: "Body", StartSeconds: 10, EndSeconds: nil},
	}); err != nil {
		t.Fatalf("UpsertChapters() error: %v", err)
	}

	summary, err := c.FinalizeChapters(ctx, "file-1", StorageFilesystem, sourcePath, types.SchemeAESGCM)
	if err != nil {
		t.Fatalf("FinalizeChapters() error: %v", err)
	}
	if summary.Finalized != 2 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 2 finalized, 0 failed", summary)
	}

	chaps, err := c.ListChapters(ctx, "file-1")
	if err != nil {
		t.Fatalf("ListChapters() error: %v", err)
	}
	var total int64
	for _, ch := range chaps {
		if ch.Status != types.ChapterReady {
			t.Fatalf("chapter %q status = %v, want ready", ch.Label, ch.Status)
		}
		plaintext, err := c.LoadPlaintext(ch)
		if err != nil {
			t.Fatalf("LoadPlaintext(%q) error: %v", ch.Label, err)
		}
		if int64(len(plaintext)) != ch.PlainSize {
			t.Fatalf("plaintext length = %d, want PlainSize %d", len(plaintext), ch.PlainSize)
		}
		total += ch.PlainSize
	}
	if total != int64(len(sourceBytes)) {
		t.Fatalf("total plaintext across chapters = %d, want %d", total, len(sourceBytes))
	}
}

func TestDeleteChapterForbiddenWhileReady(t *testing.T) {
	c, _ := newTestCryptor(t)
	ctx := context.Background()

	sourceBytes := bytes.Repeat([]byte{0xCD}, 1000)
	sourcePath := filepath.Join(t.TempDir(), "source.mp3")
	if err := os.WriteFile(sourcePath, sourceBytes, 0o640); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	f := &types.AudioFile{ID: "file-1", Duration: 10}
	if err := c.Files.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile() error: %v", err)
	}
	chaps, err := c.UpsertChapters(ctx, "file-1", []types.Chapter{
		{Label: "Whole", StartSeconds: 0, EndSeconds: nil},
	})
	if err != nil {
		t.Fatalf("UpsertChapters() error: %v", err)
	}
	if _, err := c.FinalizeChapters(ctx, "file-1", StorageFilesystem, sourcePath, types.SchemeAESGCM); err != nil {
		t.Fatalf("FinalizeChapters() error: %v", err)
	}

	if err := c.DeleteChapter(ctx, "file-1", chaps[0].ID, false); err == nil {
		t.Fatal("expected error deleting a ready chapter without forceReset")
	}
	if err := c.DeleteChapter(ctx, "file-1", chaps[0].ID, true); err != nil {
		t.Fatalf("DeleteChapter(forceReset=true) error: %v", err)
	}
}
