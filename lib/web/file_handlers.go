package web

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

// chapterStreamTTL bounds how long a single-chapter stream token
// stays redeemable; short-lived since a client mints one per chapter.
const chapterStreamTTL = 5 * time.Minute

type fileResponse struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Size       int64             `json:"size"`
	MimeType   string            `json:"mimeType"`
	Duration   float64           `json:"duration"`
	Visibility types.Visibility  `json:"visibility"`
	CreatedAt  string            `json:"createdAt"`
}

func fileToResponse(f *types.AudioFile) fileResponse {
	return fileResponse{
		ID:         f.ID,
		Title:      f.Title,
		Size:       f.Size,
		MimeType:   f.MimeType,
		Duration:   f.Duration,
		Visibility: f.Visibility,
		CreatedAt:  f.CreatedAt.Format(timeLayout),
	}
}

func (h *Handler) getFiles(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	files, err := h.cfg.Files.ListFiles(r.Context(), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u, err := h.cfg.Users.GetUser(r.Context(), sess.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := h.cfg.Clock.Now().UTC()
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		if h.cfg.FileAccess != nil {
			ok, err := h.cfg.FileAccess.Authorize(r.Context(), u, f, now)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, fileToResponse(f))
	}
	return out, nil
}

func (h *Handler) getFile(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f, _, err := h.requireFileAccess(r.Context(), sess.UserID, p.ByName("fileID"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fileToResponse(f), nil
}

type drmSessionResponse struct {
	StreamURL string `json:"streamUrl"`
	ExpiresAt string `json:"expiresAt"`
}

// postDRMSession mints a short-lived signed URL bound to this file,
// this session and this device. The token is stateless and can be
// redeemed against /stream any number of times until it expires.
func (h *Handler) postDRMSession(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fileID := p.ByName("fileID")
	if _, _, err := h.requireFileAccess(r.Context(), sess.UserID, fileID); err != nil {
		return nil, trace.Wrap(err)
	}

	signed, exp, err := h.cfg.Minter.IssueSignedURL(sess.ID, sess.DeviceID, fileID, 0, -1, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return drmSessionResponse{
		StreamURL: "/stream/" + fileID + "?token=" + signed,
		ExpiresAt: exp.Format(timeLayout),
	}, nil
}

type drmStatusResponse struct {
	FileID        string `json:"fileId"`
	Ready         bool   `json:"ready"`
	TotalChapters int    `json:"totalChapters"`
	ReadyChapters int    `json:"readyChapters"`
}

// getDRMStatus reports whether a file is currently servable: it has at
// least one chapter and every chapter is finalized into ChapterReady.
func (h *Handler) getDRMStatus(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fileID := p.ByName("fileID")
	if _, _, err := h.requireFileAccess(r.Context(), sess.UserID, fileID); err != nil {
		return nil, trace.Wrap(err)
	}

	chaps, err := h.cfg.Cryptor.ListChapters(r.Context(), fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := drmStatusResponse{FileID: fileID}
	for _, c := range chaps {
		resp.TotalChapters++
		if c.Status == types.ChapterReady {
			resp.ReadyChapters++
		}
	}
	resp.Ready = resp.TotalChapters > 0 && resp.ReadyChapters == resp.TotalChapters
	return resp, nil
}

// postChapterDRMSession mints a token scoped to a single chapter,
// for clients that stream one chapter at a time rather than the
// whole file (e.g. a chapter-list UI prefetching the next chapter
// only). The token expires after a short, fixed TTL rather than
// living as long as the session, since it is reissued per chapter.
func (h *Handler) postChapterDRMSession(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fileID := p.ByName("fileID")
	if _, _, err := h.requireFileAccess(r.Context(), sess.UserID, fileID); err != nil {
		return nil, trace.Wrap(err)
	}
	chapterID := p.ByName("chapterID")

	signed, exp, err := h.cfg.Minter.IssueChapterStream(sess.ID, sess.DeviceID, fileID, chapterID, chapterStreamTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return drmSessionResponse{
		StreamURL: "/stream/" + fileID + "?token=" + signed,
		ExpiresAt: exp.Format(timeLayout),
	}, nil
}
