package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/internal/transport"
	"github.com/meshdb/meshdb/pkg"
)

type fakeSource struct {
	self  transport.NodeID
	nodes []transport.NodeID
}

func (f *fakeSource) Self() transport.NodeID             { return f.self }
func (f *fakeSource) ConnectedNodes() []transport.NodeID { return f.nodes }

func testServer(t *testing.T, nodes ...transport.NodeID) *Server {
	t.Helper()

	logger, err := pkg.NewLogger(&pkg.LogConfig{
		Level:   "error",
		Console: pkg.ConsoleConfig{Enable: false},
	})
	require.NoError(t, err)

	source := &fakeSource{
		self:  transport.NodeID{Host: "db-1", Port: 5000},
		nodes: nodes,
	}
	return NewServer(source, telemetry.New(), logger)
}

func TestIndexPage(t *testing.T) {
	s := testServer(t,
		transport.NodeID{Host: "db-2", Port: 5001},
		transport.NodeID{Host: "db-3", Port: 5002},
	)

	rec := httptest.NewRecorder()
	s.indexHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body := rec.Body.String()
	assert.Contains(t, body, "db-1:5000")
	assert.Contains(t, body, "db-2:5001")
	assert.Contains(t, body, "db-3:5002")
}

func TestIndexPageUnknownPath(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.indexHandler(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectionsJSON(t *testing.T) {
	t.Run("json variant", func(t *testing.T) {
		s := testServer(t, transport.NodeID{Host: "db-2", Port: 5001})

		rec := httptest.NewRecorder()
		s.connectionsHandler(rec, httptest.NewRequest(http.MethodGet, "/connections?json=true", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

		var got map[string][]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, map[string][]string{"connections": {"db-2:5001"}}, got)
	})

	t.Run("empty list stays a list", func(t *testing.T) {
		s := testServer(t)

		rec := httptest.NewRecorder()
		s.connectionsHandler(rec, httptest.NewRequest(http.MethodGet, "/connections?json=true", nil))

		assert.JSONEq(t, `{"connections":[]}`, rec.Body.String())
	})

	t.Run("html without the query flag", func(t *testing.T) {
		s := testServer(t, transport.NodeID{Host: "db-2", Port: 5001})

		rec := httptest.NewRecorder()
		s.connectionsHandler(rec, httptest.NewRequest(http.MethodGet, "/connections", nil))

		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "db-2:5001")
	})
}

func TestServerStartAndStop(t *testing.T) {
	s := testServer(t, transport.NodeID{Host: "db-2", Port: 5001})
	require.NoError(t, s.Start(27891))
	defer s.Stop()

	resp, err := http.Get("http://127.0.0.1:27891/connections?json=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []string{"db-2:5001"}, got["connections"])

	t.Run("metrics endpoint responds", func(t *testing.T) {
		resp, err := http.Get("http://127.0.0.1:27891/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
