package api

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/internal/transport"
	"github.com/meshdb/meshdb/pkg"
)

// StatusSource is the read-only projection of the network the status page
// renders.
type StatusSource interface {
	Self() transport.NodeID
	ConnectedNodes() []transport.NodeID
}

// Server is the read-only HTTP status page. It binds to the node port plus
// one; when the wildcard bind fails it retries on localhost only.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	hub        *Hub
	source     StatusSource
	metrics    *telemetry.Metrics
	logger     *pkg.Logger
}

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>meshdb {{.Self}}</title></head>
<body>
<h1>meshdb node {{.Self}}</h1>
<h2>Connected nodes</h2>
<ul>
{{range .Connections}}<li>{{.}}</li>
{{else}}<li><i>none</i></li>
{{end}}</ul>
</body>
</html>
`))

// NewServer creates the status server.
func NewServer(source StatusSource, metrics *telemetry.Metrics, logger *pkg.Logger) *Server {
	return &Server{
		hub:     NewHub(logger),
		source:  source,
		metrics: metrics,
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
	}
}

// Hub returns the websocket hub so the network and election layers can
// publish events to it.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in the background.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.logger.Warn().Err(err).
			Int("port", port).
			Msg("Wildcard bind failed, retrying on localhost")
		listener, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err != nil {
			return fmt.Errorf("failed to bind status page: %w", err)
		}
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.indexHandler)
	mux.HandleFunc("/connections", s.connectionsHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()

	s.logger.Info().Int("port", port).Msg("Status page started")
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.hub.Stop()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) connectionNames() []string {
	nodes := s.source.ConnectedNodes()
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.String())
	}
	return names
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTemplate.Execute(w, struct {
		Self        string
		Connections []string
	}{
		Self:        s.source.Self().String(),
		Connections: s.connectionNames(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render status page")
	}
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	names := s.connectionNames()

	if r.URL.Query().Get("json") == "true" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"connections": names})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTemplate.Execute(w, struct {
		Self        string
		Connections []string
	}{
		Self:        s.source.Self().String(),
		Connections: names,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render connections page")
	}
}
