package janitor

import (
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"

	"github.com/helixml/appbuilder/api/pkg/system"
)

type JanitorOptions struct {
	SentryDSN   string
	Environment string
}

type Janitor struct {
	Options JanitorOptions
}

func NewJanitor(opts JanitorOptions) *Janitor {
	return &Janitor{
		Options: opts,
	}
}

func (j *Janitor) Initialize() error {
	if j.Options.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              j.Options.SentryDSN,
		Environment:      j.Options.Environment,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	system.SetHTTPErrorHandler(CaptureHTTPError)
	return nil
}

// CaptureHTTPError reports server side failures. Rate limits, queue timeouts
// and other client facing statuses are expected traffic and are not reported.
func CaptureHTTPError(err *system.HTTPError, req *http.Request) {
	if err.StatusCode < http.StatusInternalServerError {
		return
	}
	hub := sentry.GetHubFromContext(req.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("path", req.URL.Path)
		scope.SetTag("status", fmt.Sprintf("%d", err.StatusCode))
		hub.CaptureException(err)
	})
}

// allows the janitor to attach middleware to the router
// before all the routes
func (j *Janitor) InjectMiddleware(router *mux.Router) {
	if j.Options.SentryDSN != "" {
		router.Use(SentryMiddleware)
	}
}

func SentryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
			r = r.WithContext(sentry.SetHubOnContext(r.Context(), hub))
		}
		hub.Scope().SetRequest(r)

		defer func() {
			if err := recover(); err != nil {
				hub.Recover(err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
