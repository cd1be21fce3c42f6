package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/stream"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

// AppIDHeader names the app a chat request builds.
const AppIDHeader = "X-App-Id"

func (apiServer *AppBuilderAPIServer) writeError(res http.ResponseWriter, req *http.Request, err error) {
	system.WriteHTTPError(res, req, httpErrorFor(err), system.WrapperConfig{})
}

func setRateLimitHeaders(header http.Header, result ratelimit.Result) {
	header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	header.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.UnixMilli(), 10))
}

// createChat starts a generation for an app, replacing any generation that is
// still running for it, and streams the output as server sent events.
func (apiServer *AppBuilderAPIServer) createChat(res http.ResponseWriter, req *http.Request) {
	maxBytes := int64(apiServer.Cfg.MaxRequestSizeMB) << 20
	if req.ContentLength > maxBytes {
		system.WriteHTTPError(res, req, system.NewHTTPError413("Request body too large"), system.WrapperConfig{})
		return
	}
	req.Body = http.MaxBytesReader(res, req.Body, maxBytes)

	userID := getRequestUser(req)

	policy := apiServer.Cfg.RateLimits.Chat()
	rate := apiServer.limiter.CheckPolicy(req.Context(), ratelimit.Identifier(req, userID), policy)
	setRateLimitHeaders(res.Header(), rate)
	if !rate.Allowed {
		apiServer.writeError(res, req, rate.Err(policy.Window, time.Now()))
		return
	}

	appID := strings.TrimSpace(req.Header.Get(AppIDHeader))
	if appID == "" {
		system.WriteHTTPError(res, req, system.NewHTTPError400("Missing App Id header"), system.WrapperConfig{})
		return
	}

	var body types.ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			system.WriteHTTPError(res, req, system.NewHTTPError413("Request body too large"), system.WrapperConfig{})
			return
		}
		system.WriteHTTPError(res, req, system.NewHTTPError400("Invalid JSON in request body"), system.WrapperConfig{})
		return
	}
	if len(body.Messages) == 0 {
		system.WriteHTTPError(res, req, system.NewHTTPError400("Invalid request body: messages array required"), system.WrapperConfig{})
		return
	}

	genReq := &agent.GenerateRequest{AppID: appID, Messages: body.Messages}

	entitled := apiServer.gate.IsEntitled(req.Context(), req, userID)
	generator := apiServer.builder
	if !entitled {
		if !agent.HasPremadeResponse(genReq.LastUserText()) {
			apiServer.writeError(res, req, agent.ErrNoPremadeResponse)
			return
		}
		generator = apiServer.premade
	}

	ownerID := userID
	if ownerID == "" {
		ownerID = ratelimit.Identifier(req, "")
	}

	logger := log.With().Str("app_id", appID).Str("owner_id", ownerID).Bool("entitled", entitled).Logger()

	// the generation outlives the request so a reconnecting client can resume it
	session, err := apiServer.streams.PrepareForNewStream(context.WithoutCancel(req.Context()), appID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to start chat stream")
		apiServer.writeError(res, req, err)
		return
	}

	sse := newSSEWriter(res, req)

	err = apiServer.streams.Execute(session, func(ctx context.Context, session *stream.Session) error {
		if entitled {
			server, err := apiServer.queue.RequestResource(ctx, appID, ownerID)
			if err != nil {
				return err
			}
			genReq.DevServer = server
		}

		messageID := system.GenerateMessageID()
		sse.start()

		return generator.Generate(ctx, genReq, func(chunk agent.Chunk) error {
			out := types.StreamChunk{MessageID: messageID, Text: chunk.Text}
			if err := session.Publish(ctx, out); err != nil {
				logger.Warn().Err(err).Msg("failed to publish stream chunk")
			}
			out.AppID = appID
			sse.send(out)
			return nil
		})
	})

	switch {
	case err == nil:
		sse.done()
	case !sse.started:
		logger.Warn().Err(err).Msg("chat stream failed before output")
		apiServer.writeError(res, req, err)
	case session.Stopped():
		logger.Info().Msg("chat stream stopped")
		sse.done()
	default:
		logger.Error().Err(err).Msg("chat stream failed")
		sse.send(types.StreamChunk{AppID: appID, Done: true, Error: "stream failed"})
		sse.done()
	}
}

// resumeChatStream relays a running generation to a reconnecting client.
// Output produced before the client subscribed is not replayed.
func (apiServer *AppBuilderAPIServer) resumeChatStream(res http.ResponseWriter, req *http.Request) {
	appID := mux.Vars(req)["id"]

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	chunks, err := apiServer.streams.Subscribe(ctx, appID)
	if err != nil {
		log.Error().Err(err).Str("app_id", appID).Msg("failed to subscribe to chat stream")
		system.WriteHTTPError(res, req, system.NewHTTPError500("Failed to retrieve stream"), system.WrapperConfig{})
		return
	}

	// checked after subscribing so a stream ending in between is not missed
	running, err := apiServer.streams.IsStreamRunning(ctx, appID)
	if err != nil {
		apiServer.writeError(res, req, err)
		return
	}
	if !running {
		res.WriteHeader(http.StatusNoContent)
		return
	}

	sse := newSSEWriter(res, req)
	sse.start()
	for chunk := range chunks {
		// the session token is internal
		chunk.Session = ""
		sse.send(chunk)
	}
	sse.done()
}

func (apiServer *AppBuilderAPIServer) stopChatStream(res http.ResponseWriter, req *http.Request) {
	appID := mux.Vars(req)["id"]

	if err := apiServer.streams.StopStream(req.Context(), appID); err != nil {
		log.Error().Err(err).Str("app_id", appID).Msg("failed to stop chat stream")
		apiServer.writeError(res, req, err)
		return
	}

	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusNoContent)
}

func (apiServer *AppBuilderAPIServer) chatStreamStatus(_ http.ResponseWriter, req *http.Request) (*types.StreamStatusResponse, *system.HTTPError) {
	appID := mux.Vars(req)["id"]

	status, err := apiServer.streams.Status(req.Context(), appID)
	if err != nil {
		return nil, httpErrorFor(err)
	}
	_, locked, err := apiServer.locks.Holder(req.Context(), appID)
	if err != nil {
		return nil, httpErrorFor(err)
	}

	return &types.StreamStatusResponse{
		AppID:  appID,
		Status: status,
		Locked: locked,
	}, nil
}
