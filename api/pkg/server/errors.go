package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

// httpErrorFor maps coordination errors to statuses and messages a client can
// act on. Raw error text is never sent for server side failures.
func httpErrorFor(err error) *system.HTTPError {
	var (
		rateLimited *types.RateLimitedError
		provFailed  *types.ProvisioningFailedError
		httpErr     *system.HTTPError
	)

	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &rateLimited):
		return system.NewHTTPError429("Rate limit exceeded, please try again later", http.Header{
			"Retry-After": []string{strconv.Itoa(rateLimited.RetryAfterSeconds())},
		})
	case errors.Is(err, types.ErrQueueTimeout):
		return system.NewHTTPError503("The system is busy, please try again in a moment")
	case errors.As(err, &provFailed):
		return system.NewHTTPError502("Failed to initialize development server. Please try again.")
	case errors.Is(err, types.ErrLockTimeout):
		return system.NewHTTPError429("Previous stream is still shutting down, please try again", http.Header{
			"Retry-After": []string{"1"},
		})
	case types.IsStoreUnavailable(err):
		return system.NewHTTPError503("Service temporarily unavailable, please try again")
	case errors.Is(err, agent.ErrNoPremadeResponse):
		return system.NewHTTPError403("Custom prompts need a Pro plan")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return system.NewHTTPError503("Request was cancelled before it completed")
	default:
		return system.NewHTTPError500("Failed to process the request. Please try again.")
	}
}
