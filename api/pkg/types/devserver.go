package types

// DevServer is the payload returned by the provisioner for a project repo.
type DevServer struct {
	EphemeralURL    string `json:"ephemeral_url"`
	CodeServerURL   string `json:"code_server_url"`
	MCPEphemeralURL string `json:"mcp_ephemeral_url,omitempty"`
	// Filesystem is an opaque handle to the dev server's file API.
	Filesystem *DevServerFilesystem `json:"fs,omitempty"`
}

// MCPURL prefers the MCP endpoint and falls back to the ephemeral URL.
func (d *DevServer) MCPURL() string {
	if d.MCPEphemeralURL != "" {
		return d.MCPEphemeralURL
	}
	return d.EphemeralURL
}

type DevServerFilesystem struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// QueuedDevServerRequest is persisted when admission is denied immediately.
type QueuedDevServerRequest struct {
	ResourceID    string `json:"resourceId"`
	OwnerID       string `json:"ownerId"`
	RequestID     string `json:"requestId"`
	SubmittedAtMs int64  `json:"submittedAtMs"`
}

// DevServerResult is written by the background drain for a queued waiter.
type DevServerResult struct {
	DevServer *DevServer `json:"resource,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
}

type DevServerQueueStats struct {
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
	// Pending counts owner ring entries, an upper bound on queued requests.
	Pending int64 `json:"pending"`
}

type CreateDevServerRequest struct {
	RepoID string `json:"repoId"`
}

type CreateDevServerResponse struct {
	CodeServerURL string `json:"codeServerUrl"`
	EphemeralURL  string `json:"ephemeralUrl"`
}

type StatusResponse struct {
	Store      string               `json:"store"`
	DevServers *DevServerQueueStats `json:"dev_servers,omitempty"`
}
