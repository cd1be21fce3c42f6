package janitor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/appbuilder/api/pkg/system"
)

func TestInitializeWithoutDSN(t *testing.T) {
	j := NewJanitor(JanitorOptions{})
	require.NoError(t, j.Initialize())

	router := mux.NewRouter()
	j.InjectMiddleware(router)
	router.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSentryMiddlewareRecoversPanics(t *testing.T) {
	handler := SentryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCaptureHTTPErrorIgnoresClientErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	assert.NotPanics(t, func() {
		CaptureHTTPError(system.NewHTTPError429("slow down", nil), req)
		CaptureHTTPError(system.NewHTTPError500("broken"), req)
	})
}
