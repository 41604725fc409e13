package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	type item struct {
		ID    string `json:"id"`
		Views int64  `json:"views"`
	}

	recorder := httptest.NewRecorder()
	WriteJSON(recorder, http.StatusCreated, item{ID: "v1", Views: 3})

	if recorder.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	var decoded item
	if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if decoded != (item{ID: "v1", Views: 3}) {
		t.Errorf("unexpected body: %+v", decoded)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		message    string
	}{
		{"NotFound", http.StatusNotFound, "video not found"},
		{"Unauthorized", http.StatusUnauthorized, "invalid token"},
		{"Forbidden", http.StatusForbidden, "only the author can delete a comment"},
		{"EmptyMessage", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			WriteError(recorder, tt.statusCode, tt.message)

			if recorder.Code != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, recorder.Code)
			}
			var decoded ErrorBody
			if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if decoded.Error != tt.message {
				t.Errorf("expected error=%q, got %q", tt.message, decoded.Error)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type request struct {
		Text string `json:"text"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"text":"hello"}`, false},
		{"malformed", `{"text":`, true},
		{"unknown field", `{"text":"hi","extra":1}`, true},
		{"trailing object", `{"text":"a"}{"text":"b"}`, true},
		{"too large", `{"text":"` + strings.Repeat("x", MaxBodyBytes) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst request
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJSON error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && dst.Text != "hello" {
				t.Errorf("expected text hello, got %q", dst.Text)
			}
		})
	}
}
