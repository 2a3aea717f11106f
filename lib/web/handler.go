// Package web exposes the identity, upload, chapter and streaming
// operations over HTTP, wiring httprouter routes to lib/auth,
// lib/upload, lib/chapters, lib/tokens and lib/streaming.
package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/auth"
	"github.com/MOhammedRiaad/secure-audio/lib/chapters"
	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/metrics"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/streaming"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
	"github.com/MOhammedRiaad/secure-audio/lib/upload"
)

var log = logrus.WithField(trace.Component, "web")

// Config wires every collaborator the API surface needs.
type Config struct {
	Auth        *auth.Server
	Users       *services.UserService
	Sessions    *services.SessionService
	Files       *services.FileService
	FileAccess  *services.FileAccessService
	Checkpoints *services.CheckpointService
	Cryptor     *chapters.Cryptor
	Assembler   *upload.Assembler
	Minter      *tokens.Minter
	Engine      *streaming.Engine
	Clock       clockwork.Clock
}

// Handler implements http.Handler over the whole API surface.
type Handler struct {
	cfg    Config
	router *httprouter.Router
}

// NewHandler constructs a Handler and registers every route.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Auth == nil || cfg.Files == nil || cfg.Minter == nil || cfg.Engine == nil || cfg.Sessions == nil ||
		cfg.Users == nil || cfg.Cryptor == nil || cfg.Assembler == nil || cfg.Checkpoints == nil || cfg.FileAccess == nil {
		return nil, trace.BadParameter("auth, users, sessions, files, file access, checkpoints, cryptor, assembler, minter and engine are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	h := &Handler{cfg: cfg, router: httprouter.New()}
	h.bindRoutes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) bindRoutes() {
	h.POST("/api/v1/auth/register", h.postRegister)
	h.POST("/api/v1/auth/login", h.postLogin)
	h.POST("/api/v1/auth/logout", h.withAuth(h.postLogout))

	h.PUT("/api/v1/auth/updatedetails", h.withAuth(h.putUpdateDetails))

	h.GET("/api/v1/devices", h.withAuth(h.getDevices))
	h.DELETE("/api/v1/devices/:deviceID", h.withAuth(h.deleteDevice))
	h.DELETE("/api/v1/devices/others", h.withAuth(h.deleteOtherDevices))

	h.GET("/api/v1/files", h.withAuth(h.getFiles))
	h.GET("/api/v1/files/:fileID", h.withAuth(h.getFile))
	h.GET("/api/v1/drm/status/:fileID", h.withAuth(h.getDRMStatus))
	h.POST("/api/v1/files/:fileID/drm-session", h.withAuth(h.postDRMSession))
	h.POST("/api/v1/files/:fileID/chapters/:chapterID/drm-session", h.withAuth(h.postChapterDRMSession))

	h.POST("/api/v1/files", h.withAuth(h.postFileUpload))

	h.POST("/api/v1/uploads", h.withAuth(h.postUploadInit))
	h.PUT("/api/v1/uploads/:uploadID/chunks/:index", h.withAuth(h.putUploadChunk))
	h.GET("/api/v1/uploads/:uploadID", h.withAuth(h.getUploadStatus))
	h.POST("/api/v1/uploads/:uploadID/finalize", h.withAuth(h.postUploadFinalize))
	h.POST("/api/v1/uploads/:uploadID/abort", h.withAuth(h.postUploadAbort))

	h.GET("/api/v1/files/:fileID/chapters", h.withAuth(h.getChapters))
	h.GET("/api/v1/files/:fileID/chapters/status", h.withAuth(h.getChaptersStatus))
	h.PUT("/api/v1/files/:fileID/chapters", h.withAuth(h.putChapters))
	h.PUT("/api/v1/files/:fileID/chapters/:chapterID", h.withAuth(h.putChapter))
	h.POST("/api/v1/files/:fileID/chapters/finalize", h.withAuth(h.postChaptersFinalize))
	h.POST("/api/v1/files/:fileID/chapters/sample", h.withAuth(h.postChaptersSample))
	h.DELETE("/api/v1/files/:fileID/chapters/:chapterID", h.withAuth(h.deleteChapter))

	h.GET("/api/v1/files/:fileID/checkpoints", h.withAuth(h.getCheckpoints))
	h.PUT("/api/v1/files/:fileID/checkpoints", h.withAuth(h.putCheckpoint))

	h.router.GET("/stream/:fileID", h.getStream)
	h.router.HEAD("/stream/:fileID", h.getStream)

	h.router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	h.GET("/api/v1/admin/users/:id/sessions", h.withAdmin(h.adminListSessions))
	h.DELETE("/api/v1/admin/users/:id/sessions", h.withAdmin(h.adminRevokeSessions))
	h.DELETE("/api/v1/admin/users/:id/sessions/:sessionID", h.withAdmin(h.adminRevokeSession))
	h.PATCH("/api/v1/admin/users/:id/unlock", h.withAdmin(h.adminUnlockUser))

	h.GET("/api/v1/admin/files/:id", h.withAdmin(h.adminGetFile))
	h.PUT("/api/v1/admin/files/:id", h.withAdmin(h.adminUpdateFile))
	h.DELETE("/api/v1/admin/files/:id", h.withAdmin(h.adminDeleteFile))

	h.POST("/api/v1/admin/file-access", h.withAdmin(h.adminCreateGrant))
	h.GET("/api/v1/admin/file-access/:id", h.withAdmin(h.adminGetGrant))
	h.PUT("/api/v1/admin/file-access/:id", h.withAdmin(h.adminUpdateGrant))
	h.DELETE("/api/v1/admin/file-access/:id", h.withAdmin(h.adminDeleteGrant))
	h.GET("/api/v1/admin/file-access/file/:fileID", h.withAdmin(h.adminListGrantsForFile))
}

// handlerFunc is the uniform shape every JSON route is written
// against: it reads request data, does its work, and returns either a
// JSON-able value or an error for WriteError to translate.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

func (h *Handler) wrap(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		resp, err := fn(w, r, p)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Warn("Request failed.")
			httplib.WriteError(w, err)
			return
		}
		if resp == nil {
			httplib.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		httplib.WriteJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) GET(path string, fn handlerFunc)    { h.router.GET(path, h.wrap(fn)) }
func (h *Handler) POST(path string, fn handlerFunc)   { h.router.POST(path, h.wrap(fn)) }
func (h *Handler) PUT(path string, fn handlerFunc)    { h.router.PUT(path, h.wrap(fn)) }
func (h *Handler) DELETE(path string, fn handlerFunc) { h.router.DELETE(path, h.wrap(fn)) }
func (h *Handler) PATCH(path string, fn handlerFunc)  { h.router.PATCH(path, h.wrap(fn)) }

// authedHandlerFunc additionally receives the validated session claims.
type authedHandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error)

// withAuth requires a valid Bearer DRM-session token and binds its
// claims to the request before delegating to fn. It also confirms the
// backing session the token was minted for is still live, so a logout
// invalidates every token derived from it immediately rather than
// waiting for token exp.
func (h *Handler) withAuth(fn authedHandlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		claims, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, claims)
	}
}

// withAdmin requires everything withAuth does, plus that the session's
// user carries types.RoleAdmin.
func (h *Handler) withAdmin(fn authedHandlerFunc) handlerFunc {
	return h.withAuth(func(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
		sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		u, err := h.cfg.Users.GetUser(r.Context(), sess.UserID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if u.Role != types.RoleAdmin {
			return nil, trace.WithField(trace.AccessDenied("admin role required"), "code", "Forbidden")
		}
		return fn(w, r, p, claims)
	})
}

func (h *Handler) authenticate(r *http.Request) (*tokens.Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, trace.WithField(trace.AccessDenied("missing bearer token"), "code", "InvalidToken")
	}
	tokenString := strings.TrimPrefix(header, prefix)

	claims, err := h.cfg.Minter.Validate(r.Context(), tokenString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Kind != tokens.KindDRMSession {
		return nil, trace.WithField(trace.AccessDenied("bearer token is not a DRM session token"), "code", "InvalidToken")
	}

	if h.cfg.Sessions != nil && claims.SessionID != "" {
		if _, err := h.cfg.Sessions.ValidateLive(r.Context(), claims.SessionID, h.cfg.Clock.Now().UTC()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return claims, nil
}

// requireFileAccess loads fileID and confirms claims' user may view
// it, returning the file and the caller's own user record.
func (h *Handler) requireFileAccess(ctx context.Context, userID, fileID string) (*types.AudioFile, *types.User, error) {
	f, err := h.cfg.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	u, err := h.cfg.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if h.cfg.FileAccess != nil {
		ok, err := h.cfg.FileAccess.Authorize(ctx, u, f, h.cfg.Clock.Now().UTC())
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		if !ok {
			return nil, nil, trace.WithField(trace.AccessDenied("not authorized to view this file"), "code", "Forbidden")
		}
	}
	return f, u, nil
}
