package web

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

type checkpointRequest struct {
	Position    float64 `json:"position"`
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
}

type checkpointResponse struct {
	ID        string  `json:"id"`
	Position  float64 `json:"position"`
	Label     string  `json:"label"`
	CreatedAt string  `json:"createdAt"`
}

func checkpointToResponse(c *types.Checkpoint) checkpointResponse {
	return checkpointResponse{ID: c.ID, Position: c.Position, Label: c.Label, CreatedAt: c.CreatedAt.Format(timeLayout)}
}

func (h *Handler) getCheckpoints(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	checkpoints, err := h.cfg.Checkpoints.ListCheckpoints(r.Context(), sess.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	fileID := p.ByName("fileID")
	out := make([]checkpointResponse, 0, len(checkpoints))
	for _, c := range checkpoints {
		if c.FileID == fileID {
			out = append(out, checkpointToResponse(c))
		}
	}
	return out, nil
}

func (h *Handler) putCheckpoint(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	var req checkpointRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &types.Checkpoint{
		ID:          uuid.NewString(),
		UserID:      sess.UserID,
		FileID:      p.ByName("fileID"),
		Position:    req.Position,
		Label:       req.Label,
		Description: req.Description,
		CreatedAt:   h.cfg.Clock.Now().UTC(),
	}
	if err := h.cfg.Checkpoints.PutCheckpoint(r.Context(), c); err != nil {
		return nil, trace.Wrap(err)
	}
	return checkpointToResponse(c), nil
}
