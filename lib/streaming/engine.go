// Package streaming implements the range streaming engine: resolving
// a single HTTP Range request against a virtual, multi-chapter byte
// space and serving the requested slice out of decrypted chapter
// plaintext.
package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/chapters"
	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
	"github.com/MOhammedRiaad/secure-audio/lib/metrics"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

var log = logrus.WithField(trace.Component, "streaming")

// Engine resolves and serves byte ranges across a file's ready
// chapters, decrypting each chapter lazily as the requested range
// touches it.
type Engine struct {
	Cryptor *chapters.Cryptor
}

// NewEngine constructs an Engine backed by cryptor.
func NewEngine(cryptor *chapters.Cryptor) *Engine {
	return &Engine{Cryptor: cryptor}
}

// segment is one chapter's placement in the virtual, concatenated
// byte space of a file's ready chapters in ordinal order.
type segment struct {
	chapter *types.Chapter
	start   int64 // inclusive, virtual offset
	end     int64 // exclusive, virtual offset
}

func buildSegments(chaps []*types.Chapter) []segment {
	sorted := make([]*types.Chapter, 0, len(chaps))
	for _, c := range chaps {
		if c.Status == types.ChapterReady {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	segs := make([]segment, 0, len(sorted))
	var offset int64
	for _, c := range sorted {
		segs = append(segs, segment{chapter: c, start: offset, end: offset + c.PlainSize})
		offset += c.PlainSize
	}
	return segs
}

// TotalSize returns the sum of every ready chapter's plaintext size,
// the size of the virtual resource a Range request is resolved
// against.
func TotalSize(chaps []*types.Chapter) int64 {
	var total int64
	for _, c := range chaps {
		if c.Status == types.ChapterReady {
			total += c.PlainSize
		}
	}
	return total
}

// ParsedRange is a single, resolved byte range, inclusive on both
// ends, against a resource of a known total size.
type ParsedRange struct {
	Start, End int64 // inclusive
}

// ParseRange parses a "bytes=a-b" Range header value against a
// resource of totalSize bytes. Only a single range is supported;
// multi-range requests and non-byte units are rejected as
// unsatisfiable, matching the single-range-only surface this engine
// serves.
func ParseRange(header string, totalSize int64) (*ParsedRange, error) {
	if header == "" {
		return nil, nil
	}
	if totalSize <= 0 {
		return nil, trace.WithField(trace.BadParameter("resource is empty"), "code", "RangeNotSatisfiable")
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, trace.WithField(trace.BadParameter("unsupported range unit"), "code", "RangeNotSatisfiable")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return nil, trace.WithField(trace.BadParameter("multi-range requests are not supported"), "code", "RangeNotSatisfiable")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, trace.WithField(trace.BadParameter("malformed range %q", header), "code", "RangeNotSatisfiable")
	}

	var start, end int64
	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return nil, trace.WithField(trace.BadParameter("malformed range %q", header), "code", "RangeNotSatisfiable")
		}
		if n > totalSize {
			n = totalSize
		}
		start = totalSize - n
		end = totalSize - 1
	case parts[1] == "":
		s, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || s < 0 {
			return nil, trace.WithField(trace.BadParameter("malformed range %q", header), "code", "RangeNotSatisfiable")
		}
		start = s
		end = totalSize - 1
	default:
		s, err1 := strconv.ParseInt(parts[0], 10, 64)
		e, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil || s < 0 || e < s {
			return nil, trace.WithField(trace.BadParameter("malformed range %q", header), "code", "RangeNotSatisfiable")
		}
		start, end = s, e
	}

	if start >= totalSize {
		return nil, trace.WithField(trace.BadParameter("range start %d beyond resource size %d", start, totalSize), "code", "RangeNotSatisfiable")
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	return &ParsedRange{Start: start, End: end}, nil
}

// ServeFile writes the requested range of a file's ready chapters to
// w, setting the DRM-appropriate response headers. chaps must be the
// file's full chapter set (ready and pending); pending chapters are
// ignored for size and range purposes.
//
// The first chapter segment the range touches is decrypted before any
// status line is written, so a tampered/corrupt chapter at the start
// of the range surfaces as a 500 DecryptFailed response rather than a
// bare connection reset after a 200/206 has already gone out. Chapters
// touched later in a multi-chapter range are still decrypted lazily as
// the response streams, so a failure there can only end the
// connection early; it is still recorded against the chapter so it is
// not served again until re-finalized.
func (e *Engine) ServeFile(w http.ResponseWriter, r *http.Request, chaps []*types.Chapter) {
	total := TotalSize(chaps)
	setCommonHeaders(w)

	if total == 0 {
		metrics.StreamRequests.WithLabelValues("404").Inc()
		http.Error(w, "no streamable content", http.StatusNotFound)
		return
	}

	rng, err := ParseRange(r.Header.Get("Range"), total)
	if err != nil {
		metrics.StreamRequests.WithLabelValues("416").Inc()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	start, end := int64(0), total-1
	status := http.StatusOK
	statusLabel := "200"
	if rng != nil {
		start, end = rng.Start, rng.End
		status = http.StatusPartialContent
		statusLabel = "206"
	}

	segs := buildSegments(chaps)

	var first *openSegment
	if r.Method != http.MethodHead {
		first, err = e.openFirstSegment(r.Context(), segs, start, end)
		if err != nil {
			metrics.StreamRequests.WithLabelValues("500").Inc()
			log.WithError(err).Warn("Decrypt failed for the first touched chapter of a stream request.")
			http.Error(w, "chapter ciphertext failed integrity check", http.StatusInternalServerError)
			return
		}
	}

	metrics.StreamRequests.WithLabelValues(statusLabel).Inc()
	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	if err := e.writeRange(r.Context(), w, segs, start, end, first); err != nil {
		log.WithError(err).Warn("Failed writing stream.")
	}
}

func setCommonHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-store, private")
	h.Set("Content-Disposition", "inline")
	h.Set("Content-Type", "audio/mpeg")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'")
}

// openSegment pairs a segment with its already-decrypted, open
// plaintext reader, so the segment ServeFile decrypted up front to
// validate the response status can be reused instead of decrypted
// twice.
type openSegment struct {
	seg    segment
	reader io.ReadSeekCloser
}

// segmentByteRange returns the [segStart, segEnd) slice of seg that
// the virtual [start, end] (inclusive) window covers, and whether the
// segment is touched at all.
func segmentByteRange(seg segment, start, end int64) (segStart, segEnd int64, ok bool) {
	if seg.end <= start || seg.start > end {
		return 0, 0, false
	}
	segStart = 0
	if start > seg.start {
		segStart = start - seg.start
	}
	segEnd = seg.end - seg.start
	if end < seg.end-1 {
		segEnd = end - seg.start + 1
	}
	return segStart, segEnd, segStart < segEnd
}

// openFirstSegment decrypts the first chapter segment the [start, end]
// window touches, so the caller can confirm it is servable before
// committing to a response status line. Returns a nil *openSegment if
// no segment is touched (the total-size check in ServeFile already
// rules this out in practice).
func (e *Engine) openFirstSegment(ctx context.Context, segs []segment, start, end int64) (*openSegment, error) {
	for _, seg := range segs {
		if _, _, ok := segmentByteRange(seg, start, end); !ok {
			continue
		}
		reader, err := e.Cryptor.NewPlaintextReader(seg.chapter)
		if err != nil {
			if merr := e.Cryptor.MarkChapterFailed(ctx, seg.chapter, err); merr != nil {
				log.WithError(merr).Error("Failed to persist stream-time chapter failure.")
			}
			return nil, trace.WithField(trace.Wrap(err), "code", "DecryptFailed")
		}
		return &openSegment{seg: seg, reader: reader}, nil
	}
	return nil, nil
}

// writeRange streams the virtual [start, end] (inclusive) byte window
// across as many chapters as it spans. first, when non-nil, is the
// already-decrypted first touched segment from openFirstSegment and is
// consumed (and closed) instead of decrypted again.
func (e *Engine) writeRange(ctx context.Context, w io.Writer, segs []segment, start, end int64, first *openSegment) error {
	for _, seg := range segs {
		segStart, segEnd, ok := segmentByteRange(seg, start, end)
		if !ok {
			continue
		}

		var reader io.ReadSeekCloser
		if first != nil && first.seg.chapter.ID == seg.chapter.ID {
			reader = first.reader
			first = nil
		} else {
			r, err := e.Cryptor.NewPlaintextReader(seg.chapter)
			if err != nil {
				if merr := e.Cryptor.MarkChapterFailed(ctx, seg.chapter, err); merr != nil {
					log.WithError(merr).Error("Failed to persist stream-time chapter failure.")
				}
				return trace.Wrap(err)
			}
			reader = r
		}

		err := func() error {
			defer reader.Close()
			if _, err := reader.Seek(segStart, io.SeekStart); err != nil {
				return trace.Wrap(err)
			}
			return writeChunked(w, reader, segEnd-segStart)
		}()
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// writeChunked copies n bytes from r to w in StreamChunkSize blocks
// rather than a single Write call, bounding the size of any single
// buffered read/write to the response.
func writeChunked(w io.Writer, r io.Reader, n int64) error {
	buf := make([]byte, defaults.StreamChunkSize)
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		read, err := io.ReadFull(r, buf[:chunk])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return trace.Wrap(werr)
			}
		}
		if err != nil {
			return trace.Wrap(err)
		}
		n -= int64(read)
	}
	return nil
}
