package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

func newTestMinter(t *testing.T, clock clockwork.Clock) *Minter {
	t.Helper()
	m, err := NewMinter([]byte("test-signing-key-0123456789"), time.Minute, clock)
	if err != nil {
		t.Fatalf("NewMinter() error: %v", err)
	}
	return m
}

func TestIssueAndValidateDRMSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	tok, exp, err := m.IssueDRMSession("sess-1", "dev-1", "")
	if err != nil {
		t.Fatalf("IssueDRMSession() error: %v", err)
	}
	if !exp.Equal(clock.Now().UTC().Add(time.Minute)) {
		t.Fatalf("exp = %v, want clock.Now()+1m", exp)
	}

	claims, err := m.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.Kind != KindDRMSession || claims.SessionID != "sess-1" || claims.DeviceID != "dev-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueSignedURLScopesFileID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	tok, _, err := m.IssueSignedURL("sess-1", "dev-1", "file-9", 0, -1, 0)
	if err != nil {
		t.Fatalf("IssueSignedURL() error: %v", err)
	}
	claims, err := m.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.Kind != KindSignedURL || claims.FileID != "file-9" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueChapterStreamScopesChapterID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	tok, _, err := m.IssueChapterStream("sess-1", "dev-1", "file-9", "chap-3", time.Minute)
	if err != nil {
		t.Fatalf("IssueChapterStream() error: %v", err)
	}
	claims, err := m.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.Kind != KindChapterStream || claims.ChapterID != "chap-3" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	tok, _, err := m.IssueDRMSession("sess-1", "dev-1", "")
	if err != nil {
		t.Fatalf("IssueDRMSession() error: %v", err)
	}

	clock.Advance(2 * time.Minute)

	_, err = m.Validate(context.Background(), tok)
	if err == nil {
		t.Fatal("expected expired-token error")
	}
	terr, ok := err.(trace.Error)
	if !ok || terr.GetFields()["code"] != "TokenExpired" {
		t.Fatalf("expected TokenExpired code, got %v", err)
	}
}

func TestValidateRejectsRotatedKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	tok, _, err := m.IssueDRMSession("sess-1", "dev-1", "")
	if err != nil {
		t.Fatalf("IssueDRMSession() error: %v", err)
	}

	m.RotateKey([]byte("a-new-signing-key-0123456789"))

	_, err = m.Validate(context.Background(), tok)
	if err == nil {
		t.Fatal("expected validation failure after key rotation")
	}
}

func TestValidateRejectsGarbageToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMinter(t, clock)

	_, err := m.Validate(context.Background(), "not-a-real-token")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
}
