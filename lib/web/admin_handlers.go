package web

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

type sessionResponse struct {
	ID        string `json:"id"`
	DeviceID  string `json:"deviceId"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt"`
	Revoked   bool   `json:"revoked"`
}

func sessionToResponse(s *types.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		IssuedAt:  s.IssuedAt.Format(timeLayout),
		ExpiresAt: s.ExpiresAt.Format(timeLayout),
		Revoked:   s.Revoked,
	}
}

func (h *Handler) adminListSessions(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	sessions, err := h.cfg.Sessions.ListUserSessions(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	return out, nil
}

func (h *Handler) adminRevokeSessions(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Sessions.RevokeAllUserSessions(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) adminRevokeSession(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Sessions.RevokeSession(r.Context(), p.ByName("sessionID")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) adminUnlockUser(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Auth.Unlock(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) adminGetFile(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	f, err := h.cfg.Files.GetFile(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fileToResponse(f), nil
}

type adminUpdateFileRequest struct {
	Title      string           `json:"title"`
	Visibility types.Visibility `json:"visibility"`
}

func (h *Handler) adminUpdateFile(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req adminUpdateFileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	f, err := h.cfg.Files.GetFile(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Title != "" {
		f.Title = req.Title
	}
	if req.Visibility != "" {
		f.Visibility = req.Visibility
	}
	if err := h.cfg.Files.UpdateFile(r.Context(), f); err != nil {
		return nil, trace.Wrap(err)
	}
	return fileToResponse(f), nil
}

func (h *Handler) adminDeleteFile(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Files.DeleteFile(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

type fileAccessResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	FileID    string  `json:"fileId"`
	CanView   bool    `json:"canView"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

func fileAccessToResponse(g *types.FileAccess) fileAccessResponse {
	resp := fileAccessResponse{ID: g.ID, UserID: g.UserID, FileID: g.FileID, CanView: g.CanView}
	if g.ExpiresAt != nil {
		s := g.ExpiresAt.Format(timeLayout)
		resp.ExpiresAt = &s
	}
	return resp
}

type fileAccessRequest struct {
	UserID    string `json:"userId"`
	FileID    string `json:"fileId"`
	CanView   bool   `json:"canView"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func parseGrantExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, trace.BadParameter("invalid expiresAt: %v", err)
	}
	return &t, nil
}

func (h *Handler) adminCreateGrant(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *tokens.Claims) (any, error) {
	var req fileAccessRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	expiresAt, err := parseGrantExpiry(req.ExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	g := &types.FileAccess{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		FileID:    req.FileID,
		CanView:   req.CanView,
		ExpiresAt: expiresAt,
	}
	if err := h.cfg.FileAccess.CreateGrant(r.Context(), g); err != nil {
		return nil, trace.Wrap(err)
	}
	return fileAccessToResponse(g), nil
}

func (h *Handler) adminGetGrant(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	g, err := h.cfg.FileAccess.GetGrant(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fileAccessToResponse(g), nil
}

func (h *Handler) adminUpdateGrant(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req fileAccessRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	g, err := h.cfg.FileAccess.GetGrant(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	expiresAt, err := parseGrantExpiry(req.ExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	g.CanView = req.CanView
	g.ExpiresAt = expiresAt
	if err := h.cfg.FileAccess.UpdateGrant(r.Context(), g); err != nil {
		return nil, trace.Wrap(err)
	}
	return fileAccessToResponse(g), nil
}

func (h *Handler) adminDeleteGrant(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.FileAccess.DeleteGrant(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) adminListGrantsForFile(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	grants, err := h.cfg.FileAccess.ListGrantsForFile(r.Context(), p.ByName("fileID"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]fileAccessResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, fileAccessToResponse(g))
	}
	return out, nil
}
