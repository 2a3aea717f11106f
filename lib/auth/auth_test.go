package auth

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend/memory"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

func newTestServer(t *testing.T, clock clockwork.Clock) *Server {
	t.Helper()
	bk, err := memory.New(memory.Config{Clock: clock})
	if err != nil {
		t.Fatalf("memory.New() error: %v", err)
	}
	s, err := NewServer(Config{
		Users:    services.NewUserService(bk, clock),
		Devices:  services.NewDeviceService(bk),
		Sessions: services.NewSessionService(bk, clock),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	return s
}

func device(id string) DeviceData {
	return DeviceData{DeviceID: id, Fingerprint: "fp-" + id, Name: "device " + id, Type: types.DeviceDesktop}
}

func TestRegisterAndLogin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	u, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22", Name: "Alice"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if u.Role != types.RoleUser {
		t.Fatalf("new user role = %v, want RoleUser", u.Role)
	}

	result, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "hunter22", Device: device("dev-1")})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if result.Session.UserID != u.ID || result.Device.ID != "dev-1" {
		t.Fatalf("unexpected login result: %+v", result)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	_, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "otherpass"})
	if err == nil {
		t.Fatal("expected error registering a duplicate email")
	}
	terr, ok := err.(trace.Error)
	if !ok || terr.GetFields()["code"] != "EmailTaken" {
		t.Fatalf("expected code=EmailTaken, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	_, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "wrong", Device: device("dev-1")})
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
	if !trace.IsAccessDenied(err) {
		t.Fatalf("expected AccessDenied, got %T: %v", err, err)
	}
}

func TestLoginLocksAccountAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "wrong", Device: device("dev-1")}); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	// Account should now be locked even with the correct password.
	_, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "hunter22", Device: device("dev-1")})
	if err == nil {
		t.Fatal("expected account to be locked")
	}
	terr, ok := err.(trace.Error)
	if !ok || terr.GetFields()[ErrFieldKeyUserMaxedAttempts] != true {
		t.Fatalf("expected maxed-attempts field, got %v", err)
	}
}

func TestLoginSecondDeviceRequiresApproval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "hunter22", Device: device("dev-1")}); err != nil {
		t.Fatalf("first Login() error: %v", err)
	}

	_, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "hunter22", Device: device("dev-2")})
	if _, ok := err.(*DeviceApprovalRequiredError); !ok {
		t.Fatalf("expected DeviceApprovalRequiredError, got %T: %v", err, err)
	}

	result, err := s.Login(ctx, LoginRequest{
		Email: "a@example.com", Password: "hunter22",
		Device: device("dev-2"), DeviceApproved: true,
	})
	if err == nil {
		t.Fatalf("expected PolicyViolation error, got success: %+v", result)
	}
	terr, ok := err.(trace.Error)
	if !ok || terr.GetFields()["code"] != "PolicyViolation" {
		t.Fatalf("expected code=PolicyViolation, got %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestServer(t, clock)
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	result, err := s.Login(ctx, LoginRequest{Email: "a@example.com", Password: "hunter22", Device: device("dev-1")})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if err := s.Logout(ctx, result.Session.ID); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}

	sess, err := s.Sessions.GetSession(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if sess.IsLive(clock.Now().UTC()) {
		t.Fatal("session should no longer be live after logout")
	}
}
