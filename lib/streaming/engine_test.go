package streaming

import (
	"testing"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func chapter(ordinal int, plainSize int64, status types.ChapterStatus) *types.Chapter {
	return &types.Chapter{
		ID:        "chapter-" + string(rune('a'+ordinal)),
		Ordinal:   ordinal,
		PlainSize: plainSize,
		Status:    status,
	}
}

func TestTotalSize(t *testing.T) {
	chaps := []*types.Chapter{
		chapter(0, 100, types.ChapterReady),
		chapter(1, 200, types.ChapterPending),
		chapter(2, 300, types.ChapterReady),
	}
	if got := TotalSize(chaps); got != 400 {
		t.Fatalf("TotalSize() = %d, want 400 (pending chapters excluded)", got)
	}
}

func TestBuildSegments(t *testing.T) {
	chaps := []*types.Chapter{
		chapter(1, 200, types.ChapterReady),
		chapter(0, 100, types.ChapterReady),
		chapter(2, 50, types.ChapterFailed),
	}
	segs := buildSegments(chaps)
	if len(segs) != 2 {
		t.Fatalf("buildSegments() returned %d segments, want 2", len(segs))
	}
	if segs[0].start != 0 || segs[0].end != 100 {
		t.Fatalf("first segment = [%d,%d), want [0,100)", segs[0].start, segs[0].end)
	}
	if segs[1].start != 100 || segs[1].end != 300 {
		t.Fatalf("second segment = [%d,%d), want [100,300)", segs[1].start, segs[1].end)
	}
}

func TestParseRangeEmptyHeader(t *testing.T) {
	rng, err := ParseRange("", 1000)
	if err != nil || rng != nil {
		t.Fatalf("ParseRange(\"\") = (%v, %v), want (nil, nil)", rng, err)
	}
}

func TestParseRangeClosed(t *testing.T) {
	rng, err := ParseRange("bytes=10-20", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.Start != 10 || rng.End != 20 {
		t.Fatalf("got [%d,%d], want [10,20]", rng.Start, rng.End)
	}
}

func TestParseRangeOpenEnded(t *testing.T) {
	rng, err := ParseRange("bytes=500-", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.Start != 500 || rng.End != 999 {
		t.Fatalf("got [%d,%d], want [500,999]", rng.Start, rng.End)
	}
}

func TestParseRangeSuffix(t *testing.T) {
	rng, err := ParseRange("bytes=-100", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.Start != 900 || rng.End != 999 {
		t.Fatalf("got [%d,%d], want [900,999]", rng.Start, rng.End)
	}
}

func TestParseRangeSuffixLargerThanTotal(t *testing.T) {
	rng, err := ParseRange("bytes=-5000", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.Start != 0 || rng.End != 999 {
		t.Fatalf("got [%d,%d], want [0,999]", rng.Start, rng.End)
	}
}

func TestParseRangeClampsEndToTotal(t *testing.T) {
	rng, err := ParseRange("bytes=0-5000", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rng.End != 999 {
		t.Fatalf("end = %d, want clamped to 999", rng.End)
	}
}

func TestParseRangeRejectsMultiRange(t *testing.T) {
	_, err := ParseRange("bytes=0-10,20-30", 1000)
	if err == nil {
		t.Fatal("expected error for multi-range request")
	}
	if !trace.IsBadParameter(err) {
		t.Fatalf("expected BadParameter, got %T: %v", err, err)
	}
}

func TestParseRangeRejectsNonBytesUnit(t *testing.T) {
	_, err := ParseRange("items=0-10", 1000)
	if err == nil {
		t.Fatal("expected error for non-bytes unit")
	}
}

func TestParseRangeRejectsStartBeyondTotal(t *testing.T) {
	_, err := ParseRange("bytes=2000-3000", 1000)
	if err == nil {
		t.Fatal("expected error for start beyond resource size")
	}
}

func TestParseRangeEmptyResource(t *testing.T) {
	_, err := ParseRange("bytes=0-10", 0)
	if err == nil {
		t.Fatal("expected error for empty resource")
	}
}
