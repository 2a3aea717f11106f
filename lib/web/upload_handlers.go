package web

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
	"github.com/MOhammedRiaad/secure-audio/lib/upload"
)

type uploadInitRequest struct {
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	TotalChunks    int    `json:"totalChunks"`
	ExpectedSha256 string `json:"expectedSha256"`
	MimeType       string `json:"mimeType"`
}

type uploadStatusResponse struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	TotalChunks     int    `json:"totalChunks"`
	ReceivedChunks  []int  `json:"receivedChunks"`
}

func uploadToResponse(u *types.UploadSession) uploadStatusResponse {
	received := make([]int, 0, len(u.ReceivedIndices))
	for idx := range u.ReceivedIndices {
		received = append(received, idx)
	}
	return uploadStatusResponse{
		ID:             u.ID,
		State:          string(u.State),
		TotalChunks:    u.TotalChunks,
		ReceivedChunks: received,
	}
}

func (h *Handler) postUploadInit(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	var req uploadInitRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	u, err := h.cfg.Assembler.Init(r.Context(), sess.UserID, req.FileName, req.FileSize, req.TotalChunks, req.ExpectedSha256, req.MimeType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return uploadToResponse(u), nil
}

func (h *Handler) putUploadChunk(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	index, err := strconv.Atoi(p.ByName("index"))
	if err != nil {
		return nil, trace.BadParameter("invalid chunk index")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxChunkBytes()+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if int64(len(data)) > h.maxChunkBytes() {
		return nil, trace.WithField(trace.BadParameter("chunk exceeds maximum size"), "code", "IntegrityFailed")
	}

	if err := h.cfg.Assembler.PutChunk(r.Context(), p.ByName("uploadID"), index, data); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) maxChunkBytes() int64 {
	return h.cfg.Assembler.MaxChunkBytes()
}

func (h *Handler) getUploadStatus(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	u, err := h.cfg.Assembler.Status(r.Context(), p.ByName("uploadID"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return uploadToResponse(u), nil
}

type uploadFinalizeRequest struct {
	Title      string           `json:"title"`
	Visibility types.Visibility `json:"visibility"`
}

func (h *Handler) postUploadFinalize(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	var req uploadFinalizeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	f, err := h.cfg.Assembler.Finalize(r.Context(), p.ByName("uploadID"), upload.FinalizeInput{
		Title:      req.Title,
		Visibility: req.Visibility,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fileToResponse(f), nil
}

func (h *Handler) postUploadAbort(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tokens.Claims) (any, error) {
	if err := h.cfg.Assembler.Abort(r.Context(), p.ByName("uploadID")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// postFileUpload stores a single small file submitted as multipart
// form data in one request, bypassing the chunked/resumable path
// entirely. The "file" part carries the audio; "title" and
// "visibility" are plain form fields.
func (h *Handler) postFileUpload(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := r.ParseMultipartForm(h.maxChunkBytes()); err != nil {
		return nil, trace.BadParameter("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, trace.BadParameter("missing \"file\" part: %v", err)
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	f, err := h.cfg.Assembler.DirectUpload(r.Context(), sess.UserID, mimeType, file, upload.FinalizeInput{
		Title:      r.FormValue("title"),
		Visibility: types.Visibility(r.FormValue("visibility")),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fileToResponse(f), nil
}
