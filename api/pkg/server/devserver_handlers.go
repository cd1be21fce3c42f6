package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const storePingTimeout = 2 * time.Second

// createDevServer returns a running dev server for a repo, waiting in the
// admission queue when provisioning is at capacity.
func (apiServer *AppBuilderAPIServer) createDevServer(res http.ResponseWriter, req *http.Request) (*types.CreateDevServerResponse, *system.HTTPError) {
	userID := getRequestUser(req)
	if userID == "" {
		return nil, system.NewHTTPError401("unauthorized")
	}

	var body types.CreateDevServerRequest
	if err := json.NewDecoder(http.MaxBytesReader(res, req.Body, 1<<20)).Decode(&body); err != nil {
		return nil, system.NewHTTPError400("Invalid JSON in request body")
	}
	body.RepoID = strings.TrimSpace(body.RepoID)
	if body.RepoID == "" {
		return nil, system.NewHTTPError400("repoId is required")
	}

	server, err := apiServer.queue.RequestResource(req.Context(), body.RepoID, userID)
	if err != nil {
		return nil, httpErrorFor(err)
	}

	return &types.CreateDevServerResponse{
		CodeServerURL: server.CodeServerURL,
		EphemeralURL:  server.EphemeralURL,
	}, nil
}

func (apiServer *AppBuilderAPIServer) status(_ http.ResponseWriter, req *http.Request) (*types.StatusResponse, *system.HTTPError) {
	ctx, cancel := context.WithTimeout(req.Context(), storePingTimeout)
	defer cancel()

	if err := apiServer.store.Ping(ctx); err != nil {
		return nil, system.NewHTTPError503("coordination store unavailable")
	}

	stats, err := apiServer.queue.Stats(ctx)
	if err != nil {
		return nil, httpErrorFor(err)
	}

	return &types.StatusResponse{
		Store:      "ok",
		DevServers: stats,
	}, nil
}
