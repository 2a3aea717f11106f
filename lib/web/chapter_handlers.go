package web

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

type chapterRequest struct {
	Label     string   `json:"label"`
	StartTime float64  `json:"startTime"`
	EndTime   *float64 `json:"endTime,omitempty"`
}

type chapterResponse struct {
	ID            string               `json:"id"`
	Label         string               `json:"label"`
	StartTime     float64              `json:"startTime"`
	EndTime       *float64             `json:"endTime,omitempty"`
	Status        types.ChapterStatus  `json:"status"`
	FailureReason string               `json:"failureReason,omitempty"`
}

func chapterToResponse(c *types.Chapter) chapterResponse {
	return chapterResponse{
		ID:            c.ID,
		Label:         c.Label,
		StartTime:     c.StartSeconds,
		EndTime:       c.EndSeconds,
		Status:        c.Status,
		FailureReason: c.FailureReason,
	}
}

func (h *Handler) getChapters(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
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
	out := make([]chapterResponse, 0, len(chaps))
	for _, c := range chaps {
		out = append(out, chapterToResponse(c))
	}
	return out, nil
}

func (h *Handler) putChapters(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var reqs []chapterRequest
	if err := httplib.ReadJSON(r, &reqs); err != nil {
		return nil, trace.Wrap(err)
	}

	defs := make([]types.Chapter, 0, len(reqs))
	for _, c := range reqs {
		defs = append(defs, types.Chapter{
			Label:        c.Label,
			StartSeconds: c.StartTime,
			EndSeconds:   c.EndTime,
		})
	}

	chaps, err := h.cfg.Cryptor.UpsertChapters(r.Context(), p.ByName("fileID"), defs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]chapterResponse, 0, len(chaps))
	for _, c := range chaps {
		out = append(out, chapterToResponse(c))
	}
	return out, nil
}

type chaptersFinalizeRequest struct {
	SourcePath string `json:"sourcePath"`
}

func (h *Handler) postChaptersFinalize(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req chaptersFinalizeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	summary, err := h.cfg.Cryptor.FinalizeChapters(r.Context(), p.ByName("fileID"), chapterStorageType(), req.SourcePath, defaultChapterScheme())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return summary, nil
}

func (h *Handler) deleteChapter(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Cryptor.DeleteChapter(r.Context(), p.ByName("fileID"), p.ByName("chapterID"), false); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) putChapter(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req chapterRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ch, err := h.cfg.Cryptor.UpdateChapter(r.Context(), p.ByName("fileID"), p.ByName("chapterID"), req.Label, req.StartTime, req.EndTime)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return chapterToResponse(ch), nil
}

type chaptersSampleRequest struct {
	Duration float64 `json:"duration"`
}

// postChaptersSample populates the canonical Intro/Body/Outro layout
// over duration seconds, for demos and tests that want chapters
// without hand-authoring boundaries.
func (h *Handler) postChaptersSample(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req chaptersSampleRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	chaps, err := h.cfg.Cryptor.LoadSample(r.Context(), p.ByName("fileID"), req.Duration)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]chapterResponse, 0, len(chaps))
	for _, c := range chaps {
		out = append(out, chapterToResponse(c))
	}
	return out, nil
}

type chaptersStatusResponse struct {
	Total    int                `json:"total"`
	Ready    int                `json:"ready"`
	Failed   int                `json:"failed"`
	Chapters []chapterResponse  `json:"chapters"`
}

func (h *Handler) getChaptersStatus(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
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
	resp := chaptersStatusResponse{Chapters: make([]chapterResponse, 0, len(chaps))}
	for _, c := range chaps {
		resp.Total++
		switch c.Status {
		case types.ChapterReady:
			resp.Ready++
		case types.ChapterFailed:
			resp.Failed++
		}
		resp.Chapters = append(resp.Chapters, chapterToResponse(c))
	}
	return resp, nil
}
