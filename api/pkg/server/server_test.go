package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/devserver"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/stream"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/types"
)

// scriptedGenerator emits its chunks, then optionally parks until released or
// cancelled.
type scriptedGenerator struct {
	mu       sync.Mutex
	chunks   []string
	hold     chan struct{}
	calls    atomic.Int32
	lastReq  *agent.GenerateRequest
	holdOnce atomic.Bool
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *agent.GenerateRequest, emit func(agent.Chunk) error) error {
	g.calls.Add(1)
	g.mu.Lock()
	g.lastReq = req
	chunks := g.chunks
	hold := g.hold
	g.mu.Unlock()

	for _, text := range chunks {
		if err := emit(agent.Chunk{Text: text}); err != nil {
			return err
		}
	}

	// only the first call holds, later calls run through
	if hold != nil && g.holdOnce.CompareAndSwap(false, true) {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *scriptedGenerator) request() *agent.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReq
}

type ServerSuite struct {
	suite.Suite

	ctx         context.Context
	cfg         *config.ServerConfig
	store       *kvstore.MemoryStore
	pubsub      pubsub.PubSub
	provisioner *devserver.MockProvisioner
	queue       *devserver.Queue
	locks       *streamlock.Manager
	streams     *stream.Manager
	builder     *scriptedGenerator
	server      *AppBuilderAPIServer
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx = context.Background()
	ctrl := gomock.NewController(s.T())

	s.cfg = &config.ServerConfig{}
	s.cfg.WebServer.Host = "127.0.0.1"
	s.cfg.WebServer.Port = 8080
	s.cfg.MaxRequestSizeMB = 1
	s.cfg.RateLimits = config.RateLimits{
		ChatMaxRequests:      100,
		ChatWindow:           time.Minute,
		DevServerMaxRequests: 100,
		DevServerWindow:      time.Minute,
	}
	s.cfg.DevServerQueue = config.DevServerQueue{
		MaxConcurrent: 10,
		MaxRetries:    1,
		RetryBaseWait: 5 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		MaxWait:       time.Second,
		DrainInterval: 20 * time.Millisecond,
		ActiveTTL:     time.Minute,
		RequestTTL:    time.Minute,
		ResultTTL:     time.Minute,
	}
	s.cfg.StreamLock = config.StreamLock{
		TTL:            2 * time.Second,
		PollInterval:   10 * time.Millisecond,
		AcquireTimeout: time.Second,
		StopTimeout:    time.Second,
	}
	s.cfg.Plans = config.Plans{ProUserIDs: []string{"pro-user"}}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	s.store = kvstore.NewMemoryStore(nil)
	s.pubsub = pubsub.NewInMemory()
	s.provisioner = devserver.NewMockProvisioner(ctrl)

	limiter := ratelimit.New(s.store, ratelimit.WithMetrics(m))
	s.queue = devserver.NewQueue(s.store, limiter, s.provisioner, s.cfg.DevServerQueue, s.cfg.RateLimits.DevServer(), devserver.WithMetrics(m))
	s.locks = streamlock.NewManager(s.store, s.cfg.StreamLock, streamlock.WithMetrics(m))
	s.streams = stream.NewManager(s.store, s.locks, s.pubsub, s.cfg.StreamLock, stream.WithMetrics(m))
	s.builder = &scriptedGenerator{chunks: []string{"Adding", " a navbar."}}

	server, err := NewServer(s.cfg, ServerOptions{
		Store:    s.store,
		Limiter:  limiter,
		Queue:    s.queue,
		Locks:    s.locks,
		Streams:  s.streams,
		Builder:  s.builder,
		Premade:  agent.NewPremadeGenerator(0, nil),
		Metrics:  m,
		Gatherer: registry,
	})
	s.Require().NoError(err)
	s.server = server
}

func (s *ServerSuite) TearDownTest() {
	s.queue.Close()
	s.NoError(s.pubsub.Close())
}

func chatBody(prompt string) string {
	body, _ := json.Marshal(types.ChatRequest{
		Messages: []types.ChatMessage{
			{ID: "m1", Role: "user", Parts: []types.ChatMessagePart{{Type: "text", Text: prompt}}},
		},
	})
	return string(body)
}

func (s *ServerSuite) chatRequest(appID, userID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if appID != "" {
		req.Header.Set(AppIDHeader, appID)
	}
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	return req
}

func (s *ServerSuite) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

// sseText joins the text of every chunk in an event stream body.
func sseText(body string) (string, bool) {
	var (
		text strings.Builder
		done bool
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		var chunk types.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			text.WriteString(chunk.Text)
		}
	}
	return text.String(), done
}

func (s *ServerSuite) requireIdle(appID string) {
	s.Eventually(func() bool {
		running, err := s.streams.IsStreamRunning(s.ctx, appID)
		if err != nil || running {
			return false
		}
		_, held, err := s.locks.Holder(s.ctx, appID)
		return err == nil && !held
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestChat_FreePlanStreamsPremade() {
	rec := s.serve(s.chatRequest("app-1", "free-user", chatBody("Make me a Landing page")))

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("text/event-stream", rec.Header().Get("Content-Type"))
	s.Equal("100", rec.Header().Get("X-RateLimit-Limit"))
	s.Equal("99", rec.Header().Get("X-RateLimit-Remaining"))

	text, done := sseText(rec.Body.String())
	s.True(done)
	s.Contains(text, "landing page")
	s.Equal(int32(0), s.builder.calls.Load())

	s.requireIdle("app-1")
}

func (s *ServerSuite) TestChat_ProPlanProvisionsDevServer() {
	s.provisioner.EXPECT().Provision(gomock.Any(), "app-1").Return(&types.DevServer{
		EphemeralURL:    "https://app-1.preview.test",
		MCPEphemeralURL: "https://app-1.mcp.test",
	}, nil)

	rec := s.serve(s.chatRequest("app-1", "pro-user", chatBody("add a navbar")))

	s.Equal(http.StatusOK, rec.Code)
	text, done := sseText(rec.Body.String())
	s.True(done)
	s.Equal("Adding a navbar.", text)

	genReq := s.builder.request()
	s.Require().NotNil(genReq)
	s.Require().NotNil(genReq.DevServer)
	s.Equal("https://app-1.mcp.test", genReq.DevServer.MCPURL())

	s.requireIdle("app-1")
}

func (s *ServerSuite) TestChat_ProvisioningFailureReleasesLock() {
	s.provisioner.EXPECT().Provision(gomock.Any(), "app-1").Return(nil, errors.New("upstream 500")).Times(2)

	rec := s.serve(s.chatRequest("app-1", "pro-user", chatBody("add a navbar")))

	s.Equal(http.StatusBadGateway, rec.Code)
	s.Contains(rec.Body.String(), "Failed to initialize development server")
	s.NotContains(rec.Body.String(), "upstream 500")
	s.Equal(int32(0), s.builder.calls.Load())

	s.requireIdle("app-1")
}

func (s *ServerSuite) TestChat_RateLimited() {
	s.cfg.RateLimits.ChatMaxRequests = 2

	for i := 0; i < 2; i++ {
		rec := s.serve(s.chatRequest("app-1", "free-user", chatBody("Make me a simple Snake Game")))
		s.Require().Equal(http.StatusOK, rec.Code)
	}

	rec := s.serve(s.chatRequest("app-1", "free-user", chatBody("Make me a simple Snake Game")))
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.NotEmpty(rec.Header().Get("Retry-After"))
	s.Equal("0", rec.Header().Get("X-RateLimit-Remaining"))

	// anonymous callers are keyed by ip and have their own budget
	req := s.chatRequest("app-2", "", chatBody("Make me a simple Snake Game"))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	s.Equal(http.StatusOK, s.serve(req).Code)
}

func (s *ServerSuite) TestChat_BadRequests() {
	rec := s.serve(s.chatRequest("", "free-user", chatBody("Make me a Landing page")))
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "Missing App Id header")

	rec = s.serve(s.chatRequest("app-1", "free-user", `{"messages": []}`))
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.serve(s.chatRequest("app-1", "free-user", `{not json`))
	s.Equal(http.StatusBadRequest, rec.Code)

	large := `{"messages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"` + strings.Repeat("a", 2<<20) + `"}]}]}`
	rec = s.serve(s.chatRequest("app-1", "free-user", large))
	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
}

func (s *ServerSuite) TestChat_FreePlanCustomPromptForbidden() {
	rec := s.serve(s.chatRequest("app-1", "free-user", chatBody("build me a crm")))
	s.Equal(http.StatusForbidden, rec.Code)
	s.requireIdle("app-1")
}

func (s *ServerSuite) TestChat_ClientCannotRequestPremadeRouting() {
	body := `{"messages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"build me a crm"}]}],"isPremade":true}`
	rec := s.serve(s.chatRequest("app-1", "free-user", body))
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal(int32(0), s.builder.calls.Load())
	s.requireIdle("app-1")
}

func (s *ServerSuite) TestChat_ReplacesRunningStream() {
	s.builder.hold = make(chan struct{})
	s.provisioner.EXPECT().Provision(gomock.Any(), "app-1").Return(&types.DevServer{EphemeralURL: "https://app-1.preview.test"}, nil).Times(2)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- s.serve(s.chatRequest("app-1", "pro-user", chatBody("first")))
	}()

	s.Eventually(func() bool {
		running, err := s.streams.IsStreamRunning(s.ctx, "app-1")
		return err == nil && running && s.builder.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := s.serve(s.chatRequest("app-1", "pro-user", chatBody("second")))
	s.Equal(http.StatusOK, second.Code)
	_, done := sseText(second.Body.String())
	s.True(done)

	select {
	case rec := <-first:
		s.Equal(http.StatusOK, rec.Code)
		_, done := sseText(rec.Body.String())
		s.True(done)
	case <-time.After(5 * time.Second):
		s.FailNow("first stream was never stopped")
	}

	s.Equal(int32(2), s.builder.calls.Load())
	s.requireIdle("app-1")
}

func (s *ServerSuite) TestStopChatStream() {
	s.builder.hold = make(chan struct{})
	s.provisioner.EXPECT().Provision(gomock.Any(), "app-1").Return(&types.DevServer{EphemeralURL: "https://app-1.preview.test"}, nil)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- s.serve(s.chatRequest("app-1", "pro-user", chatBody("long task")))
	}()

	s.Eventually(func() bool {
		running, err := s.streams.IsStreamRunning(s.ctx, "app-1")
		return err == nil && running && s.builder.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := s.serve(httptest.NewRequest(http.MethodDelete, "/api/v1/chat/app-1/stream", nil))
	s.Equal(http.StatusNoContent, rec.Code)

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		s.FailNow("stream did not stop")
	}
	s.requireIdle("app-1")

	// stopping an idle app is a no-op
	rec = s.serve(httptest.NewRequest(http.MethodDelete, "/api/v1/chat/app-1/stream", nil))
	s.Equal(http.StatusNoContent, rec.Code)
}

func (s *ServerSuite) TestResumeChatStream() {
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/v1/chat/app-1/stream", nil))
	s.Equal(http.StatusNoContent, rec.Code)

	s.builder.hold = make(chan struct{})
	s.builder.chunks = nil
	s.provisioner.EXPECT().Provision(gomock.Any(), "app-1").Return(&types.DevServer{EphemeralURL: "https://app-1.preview.test"}, nil)

	srv := httptest.NewServer(s.server.Handler())
	defer srv.Close()

	first := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/chat", strings.NewReader(chatBody("long task")))
		req.Header.Set(AppIDHeader, "app-1")
		req.Header.Set(UserIDHeader, "pro-user")
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		first <- err
	}()

	s.Eventually(func() bool {
		return s.builder.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// headers arrive once the relay is subscribed
	resp, err := http.Get(srv.URL + "/api/v1/chat/app-1/stream")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	s.publishChunk("app-1", "late output")
	close(s.builder.hold)

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	text, done := sseText(string(body))
	s.True(done)
	s.Equal("late output", text)
	s.NotContains(string(body), `"session"`)

	s.NoError(<-first)
	s.requireIdle("app-1")
}

// publishChunk stands in for output from a generation on another instance.
func (s *ServerSuite) publishChunk(appID, text string) {
	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.Require().True(held)

	payload, err := json.Marshal(types.StreamChunk{AppID: appID, Session: token, Text: text, Created: time.Now()})
	s.Require().NoError(err)
	s.Require().NoError(s.pubsub.Publish(s.ctx, pubsub.GetStreamChunksTopic(appID), payload))
}

func (s *ServerSuite) TestChatStreamStatus() {
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/v1/chat/app-1/status", nil))
	s.Equal(http.StatusOK, rec.Code)

	var status types.StreamStatusResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	s.Equal(types.StreamStatusIdle, status.Status)
	s.False(status.Locked)
	s.JSONEq(`{"app_id":"app-1","status":"idle","locked":false}`, rec.Body.String())
}

func (s *ServerSuite) TestCreateDevServer() {
	s.provisioner.EXPECT().Provision(gomock.Any(), "repo-1").Return(&types.DevServer{
		EphemeralURL:  "https://repo-1.preview.test",
		CodeServerURL: "https://repo-1.code.test",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev-servers", bytes.NewBufferString(`{"repoId":"repo-1"}`))
	req.Header.Set(UserIDHeader, "u1")
	rec := s.serve(req)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.CreateDevServerResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("https://repo-1.code.test", resp.CodeServerURL)

	rec = s.serve(httptest.NewRequest(http.MethodPost, "/api/v1/dev-servers", bytes.NewBufferString(`{"repoId":"repo-1"}`)))
	s.Equal(http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/dev-servers", bytes.NewBufferString(`{}`))
	req.Header.Set(UserIDHeader, "u1")
	s.Equal(http.StatusBadRequest, s.serve(req).Code)
}

func (s *ServerSuite) TestCreateDevServer_RateLimited() {
	s.cfg.RateLimits.DevServerMaxRequests = 1
	limiter := ratelimit.New(s.store)
	s.queue.Close()
	s.queue = devserver.NewQueue(s.store, limiter, s.provisioner, s.cfg.DevServerQueue, s.cfg.RateLimits.DevServer())
	s.server.queue = s.queue

	s.provisioner.EXPECT().Provision(gomock.Any(), "repo-1").Return(&types.DevServer{CodeServerURL: "https://c.test"}, nil)

	for _, expected := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/dev-servers", bytes.NewBufferString(`{"repoId":"repo-1"}`))
		req.Header.Set(UserIDHeader, "u1")
		rec := s.serve(req)
		s.Equal(expected, rec.Code)
		if expected == http.StatusTooManyRequests {
			s.NotEmpty(rec.Header().Get("Retry-After"))
		}
	}
}

func (s *ServerSuite) TestStatus() {
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	s.Require().Equal(http.StatusOK, rec.Code)

	var status types.StatusResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	s.Equal("ok", status.Store)
	s.Require().NotNil(status.DevServers)
	s.Equal(10, status.DevServers.MaxConcurrent)
	s.Equal(0, status.DevServers.Active)
}

func (s *ServerSuite) TestMetricsEndpoint() {
	s.serve(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "appbuilder_http_request_duration_seconds")
}
