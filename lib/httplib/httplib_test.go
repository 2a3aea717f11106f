package httplib

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
)

func TestReadJSONDecodesBody(t *testing.T) {
	body := strings.NewReader(`{"name":"alice"}`)
	r := httptest.NewRequest(http.MethodPost, "/", body)

	var v struct {
		Name string `json:"name"`
	}
	if err := ReadJSON(r, &v); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	if v.Name != "alice" {
		t.Fatalf("Name = %q, want alice", v.Name)
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	body := strings.NewReader(`{"name":"alice","extra":"field"}`)
	r := httptest.NewRequest(http.MethodPost, "/", body)

	var v struct {
		Name string `json:"name"`
	}
	if err := ReadJSON(r, &v); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestWriteErrorUsesFieldCodeOverride(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, trace.WithField(trace.AccessDenied("token expired"), "code", "TokenExpired"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Code != "TokenExpired" {
		t.Fatalf("code = %q, want TokenExpired", resp.Error.Code)
	}
}

func TestWriteErrorFallsBackToTraceTaxonomy(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, trace.NotFound("file not found"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCodeStatusRangeNotSatisfiable(t *testing.T) {
	if got := codeStatus("RangeNotSatisfiable"); got != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("codeStatus(RangeNotSatisfiable) = %d, want 416", got)
	}
}

func TestCodeStatusUnknownDefaultsToInternal(t *testing.T) {
	if got := codeStatus("SomethingMadeUp"); got != http.StatusInternalServerError {
		t.Fatalf("codeStatus(unknown) = %d, want 500", got)
	}
}
