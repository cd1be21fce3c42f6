package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

//go:generate mockgen -source $GOFILE -destination provisioner_mocks.go -package $GOPACKAGE

// Provisioner starts a dev server for a project repo. Calls are not assumed to
// be idempotent, a retry may start a second server.
type Provisioner interface {
	Provision(ctx context.Context, resourceID string) (*types.DevServer, error)
}

const (
	provisionPath    = "/ephemeral/v1/dev-servers"
	maxErrorSnippet  = 512
	maxResponseBytes = 1 << 20
)

// HTTPProvisioner talks to the dev server provisioning API.
type HTTPProvisioner struct {
	cfg    config.Provisioner
	client *retryablehttp.Client
}

var _ Provisioner = &HTTPProvisioner{}

func NewHTTPProvisioner(cfg config.Provisioner) *HTTPProvisioner {
	// the queue owns retries and backoff, the transport must not multiply them
	client := system.NewRetryClient(0, cfg.TLSSkipVerify)
	client.HTTPClient.Timeout = cfg.RequestTimeout
	// hand 5xx responses back so the error carries status and body
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPProvisioner{
		cfg:    cfg,
		client: client,
	}
}

type provisionRequest struct {
	RepoID string `json:"repoId"`
}

type provisionResponse struct {
	EphemeralURL    string `json:"ephemeralUrl"`
	CodeServerURL   string `json:"codeServerUrl"`
	MCPEphemeralURL string `json:"mcpEphemeralUrl"`
	FS              *struct {
		BaseURL string `json:"baseUrl"`
		Token   string `json:"token"`
	} `json:"fs"`
}

func (p *HTTPProvisioner) Provision(ctx context.Context, resourceID string) (*types.DevServer, error) {
	body, err := json.Marshal(provisionRequest{RepoID: resourceID})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + provisionPath

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := system.AddAuthHeadersRetryable(req, p.cfg.APIKey); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request dev server for %s: %w", resourceID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dev server request for %s failed with status %d: %s",
			resourceID, resp.StatusCode, truncateSnippet(respBody, maxErrorSnippet))
	}

	var decoded provisionResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode provisioning response: %w", err)
	}
	if decoded.EphemeralURL == "" && decoded.CodeServerURL == "" {
		return nil, fmt.Errorf("provisioning response for %s has no dev server urls", resourceID)
	}

	server := &types.DevServer{
		EphemeralURL:    decoded.EphemeralURL,
		CodeServerURL:   decoded.CodeServerURL,
		MCPEphemeralURL: decoded.MCPEphemeralURL,
	}
	if decoded.FS != nil {
		server.Filesystem = &types.DevServerFilesystem{
			BaseURL: decoded.FS.BaseURL,
			Token:   decoded.FS.Token,
		}
	}
	return server, nil
}

// truncateSnippet cuts body to at most limit bytes without splitting a rune.
func truncateSnippet(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
