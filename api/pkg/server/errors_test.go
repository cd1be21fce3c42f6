package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

func TestHTTPErrorFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter string
	}{
		{
			name:       "http error passes through",
			err:        system.NewHTTPError404("not found"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "rate limited",
			err:        fmt.Errorf("chat: %w", &types.RateLimitedError{Limit: 5, Window: time.Minute, RetryAfter: 12 * time.Second}),
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "12",
		},
		{
			name:       "queue timeout",
			err:        types.ErrQueueTimeout,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "provisioning failed",
			err:        &types.ProvisioningFailedError{Attempts: 3, Err: errors.New("boom")},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "lock timeout",
			err:        types.ErrLockTimeout,
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "1",
		},
		{
			name:       "store unavailable",
			err:        &types.StoreUnavailableError{Op: "get", Err: errors.New("dial tcp")},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "no premade response",
			err:        agent.ErrNoPremadeResponse,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "cancelled",
			err:        context.Canceled,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unknown",
			err:        errors.New("secret internals"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpErr := httpErrorFor(tt.err)
			assert.Equal(t, tt.wantStatus, httpErr.StatusCode)
			assert.NotContains(t, httpErr.Message, "secret internals")
			assert.NotContains(t, httpErr.Message, "boom")
			if tt.retryAfter != "" {
				assert.Equal(t, tt.retryAfter, httpErr.Headers.Get("Retry-After"))
			}
		})
	}
}
