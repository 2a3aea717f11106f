package web

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

// getStream serves C5's range streaming surface. Unlike the withAuth
// routes it is authenticated by a signed-URL or chapter-stream token
// carried in the query string, not a Bearer header, so an <audio>
// element's plain GET can redeem it directly. The token is not
// consumed: it stays valid for repeated range requests until it
// expires.
func (h *Handler) getStream(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	fileID := p.ByName("fileID")

	claims, err := h.cfg.Minter.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		httplib.WriteError(w, err)
		return
	}
	if claims.FileID != fileID {
		httplib.WriteError(w, trace.WithField(trace.AccessDenied("token is not valid for this file"), "code", "Forbidden"))
		return
	}
	if h.cfg.Sessions != nil && claims.SessionID != "" {
		if _, err := h.cfg.Sessions.ValidateLive(r.Context(), claims.SessionID, h.cfg.Clock.Now().UTC()); err != nil {
			httplib.WriteError(w, err)
			return
		}
	}

	chaps, err := h.cfg.Cryptor.ListChapters(r.Context(), fileID)
	if err != nil {
		httplib.WriteError(w, err)
		return
	}

	if claims.Kind == tokens.KindChapterStream {
		chaps = filterChapter(chaps, claims.ChapterID)
	}

	h.cfg.Engine.ServeFile(w, r, chaps)
}

func filterChapter(chaps []*types.Chapter, chapterID string) []*types.Chapter {
	for _, c := range chaps {
		if c.ID == chapterID {
			return []*types.Chapter{c}
		}
	}
	return nil
}
