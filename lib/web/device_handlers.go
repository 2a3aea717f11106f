package web

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

type deviceResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         types.DeviceType `json:"type"`
	Active       bool            `json:"active"`
	FirstSeen    string          `json:"firstSeen"`
	LastActivity string          `json:"lastActivity"`
}

func deviceToResponse(d *types.Device) deviceResponse {
	return deviceResponse{
		ID:           d.ID,
		Name:         d.Name,
		Type:         d.Type,
		Active:       d.Active,
		FirstSeen:    d.FirstSeen.Format(timeLayout),
		LastActivity: d.LastActivity.Format(timeLayout),
	}
}

func (h *Handler) getDevices(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	devices, err := h.cfg.Auth.ListDevices(r.Context(), sess.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceToResponse(d))
	}
	return out, nil
}

func (h *Handler) deleteDevice(_ http.ResponseWriter, r *http.Request, p httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deviceID := p.ByName("deviceID")
	if err := h.cfg.Auth.DeactivateDevice(r.Context(), sess.UserID, deviceID); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// deleteOtherDevices deactivates every device but the one the caller's
// own session is bound to, revoking their sessions in the process.
func (h *Handler) deleteOtherDevices(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.DeactivateOtherDevices(r.Context(), sess.UserID, sess.DeviceID); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
