package response

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/shared/errors"
)

func TestErrorStatusAndBody(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
		message string
	}{
		{"validation", errors.Validation("bad body"), http.StatusBadRequest, "validation", "bad body"},
		{"not found", errors.WrapNotFound("body \"x\"", stderrors.New("missing")), http.StatusNotFound, "not_found", "body \"x\": missing"},
		{"method", errors.MethodNotAllowed("PUT"), http.StatusMethodNotAllowed, "method_not_allowed", "method PUT not allowed"},
		{"forbidden", errors.Forbidden("admin only"), http.StatusForbidden, "forbidden", "admin only"},
		{"plain error hides details", stderrors.New("pq: connection refused"), http.StatusInternalServerError, "internal", "internal server error"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, httptest.NewRequest(http.MethodGet, "/spatial/bodies", nil), logger, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.errType, body.Error)
			assert.Equal(t, tt.message, body.Message)
			assert.Equal(t, tt.status, body.Code)
		})
	}
}
