package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   interface{}
		want   string
	}{
		{
			name:   "processed status",
			status: http.StatusOK,
			data:   map[string]string{"status": "processed"},
			want:   `{"status":"processed"}`,
		},
		{
			name:   "slice of rows",
			status: http.StatusOK,
			data:   []int{1, 2, 3},
			want:   `[1,2,3]`,
		},
		{
			name:   "created with struct",
			status: http.StatusCreated,
			data:   struct{ ID int64 }{7},
			want:   `{"ID":7}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
			if got := w.Body.String(); got != tt.want+"\n" {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusInternalServerError, "Simulated DB failure")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error != "Simulated DB failure" {
		t.Errorf("expected error message, got %q", resp.Error)
	}
}
