package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLogRecordsRouteAndStatus(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.InfoLevel)

	r := chi.NewRouter()
	r.Use(RequestID, AccessLog(l))
	r.Get("/v1/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	r.Get("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/v1/templates/abc", nil)
	req.Header.Set(HeaderRequestID, "trace-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "health checks log below info")

	var inner, access map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &inner))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &access))
	assert.Equal(t, "trace-1", inner["request_id"])
	assert.Equal(t, "/v1/templates/{id}", access["route"])
	assert.EqualValues(t, http.StatusTeapot, access["status"])
	assert.EqualValues(t, len("short and stout"), access["bytes"])
	assert.Equal(t, "trace-1", access["request_id"])
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("edge-123:abc.def_9"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
	assert.Len(t, newRequestID(), 36)
}
