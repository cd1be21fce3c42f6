package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

var sseDone = []byte("[DONE]")

func writeChunk(w io.Writer, chunk []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", string(chunk))
	if err != nil {
		return fmt.Errorf("error writing chunk '%s': %w", string(chunk), err)
	}

	// Flush the ResponseWriter buffer to send the chunk immediately
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	return nil
}

// sseWriter writes to a client that may go away at any point. The generation
// keeps running for other readers, so write failures only stop this client.
type sseWriter struct {
	res     http.ResponseWriter
	req     *http.Request
	started bool
	gone    bool
}

func newSSEWriter(res http.ResponseWriter, req *http.Request) *sseWriter {
	return &sseWriter{res: res, req: req}
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	w.res.Header().Set("Cache-Control", "no-cache")
	w.res.Header().Set("Connection", "keep-alive")
	w.res.Header().Set("Content-Type", "text/event-stream")
	w.res.WriteHeader(http.StatusOK)
	if flusher, ok := w.res.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *sseWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode stream chunk")
		return
	}
	w.sendRaw(data)
}

func (w *sseWriter) sendRaw(data []byte) {
	w.start()
	if w.gone {
		return
	}
	if w.req.Context().Err() != nil {
		w.gone = true
		return
	}
	if err := writeChunk(w.res, data); err != nil {
		log.Debug().Err(err).Str("path", w.req.URL.Path).Msg("client went away mid stream")
		w.gone = true
	}
}

func (w *sseWriter) done() {
	w.sendRaw(sseDone)
}
