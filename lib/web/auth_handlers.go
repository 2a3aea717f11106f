package web

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/MOhammedRiaad/secure-audio/lib/auth"
	"github.com/MOhammedRiaad/secure-audio/lib/httplib"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type userResponse struct {
	ID    string     `json:"id"`
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Role  types.Role `json:"role"`
}

func userToResponse(u *types.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

func (h *Handler) postRegister(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req registerRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	u, err := h.cfg.Auth.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return userToResponse(u), nil
}

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	DeviceApproved bool   `json:"deviceApproved"`
	Device         struct {
		DeviceID    string          `json:"deviceId"`
		Fingerprint string          `json:"fingerprint"`
		Name        string          `json:"name"`
		Type        types.DeviceType `json:"type"`
	} `json:"device"`
}

type loginResponse struct {
	User        userResponse `json:"user"`
	SessionID   string       `json:"sessionId"`
	DeviceID    string       `json:"deviceId"`
	DRMToken    string       `json:"drmToken"`
	TokenExpiry string       `json:"tokenExpiry"`
}

func (h *Handler) postLogin(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	result, err := h.cfg.Auth.Login(r.Context(), auth.LoginRequest{
		Email:          req.Email,
		Password:       req.Password,
		DeviceApproved: req.DeviceApproved,
		Device: auth.DeviceData{
			DeviceID:    req.Device.DeviceID,
			Fingerprint: req.Device.Fingerprint,
			Name:        req.Device.Name,
			Type:        req.Device.Type,
		},
	}); err != nil {
		if _, ok := err.(*auth.DeviceApprovalRequiredError); ok {
			return nil, trace.WithField(trace.AccessDenied("a device is already active on this account"), "code", "DeviceApprovalRequired")
		}
		return nil, trace.Wrap(err)
	}

	signed, exp, err := h.cfg.Minter.IssueDRMSession(result.Session.ID, result.Device.ID, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return loginResponse{
		User:        userToResponse(result.User),
		SessionID:   result.Session.ID,
		DeviceID:    result.Device.ID,
		DRMToken:    signed,
		TokenExpiry: exp.Format(timeLayout),
	}, nil
}

func (h *Handler) postLogout(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	if err := h.cfg.Auth.Logout(r.Context(), claims.SessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

type updateDetailsRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *Handler) putUpdateDetails(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *tokens.Claims) (any, error) {
	var req updateDetailsRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u, err := h.cfg.Auth.UpdateDetails(r.Context(), sess.UserID, req.Name, req.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return userToResponse(u), nil
}
