package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/stellar-gcs/gcs/control"
	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeNode struct {
	state control.State
	view  *view.View
}

func (n *fakeNode) CurrentView() *view.View {
	return n.view
}

func (n *fakeNode) State() control.State {
	return n.state
}

func newTestServer(t *testing.T, node GroupNode, level *zap.AtomicLevel) http.Handler {
	return newWebServer(WebServerOptions{
		Logger:   zaptest.NewLogger(t),
		LogLevel: level,
		Node:     node,
	}).router()
}

func TestViewEndpoint(t *testing.T) {
	member := nodes.Member{Address: "node-a", UUID: "u1"}
	node := &fakeNode{
		state: control.StateMember,
		view: &view.View{
			ID:      view.ViewID{Fixed: 7, Monotonic: 2},
			Group:   "g",
			Members: []nodes.Member{member},
		},
	}
	h := newTestServer(t, node, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State string `json:"state"`
		View  struct {
			ID      view.ViewID    `json:"id"`
			Members []nodes.Member `json:"members"`
			Error   string         `json:"error"`
		} `json:"view"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, control.StateMember.String(), resp.State)
	assert.Equal(t, view.ViewID{Fixed: 7, Monotonic: 2}, resp.View.ID)
	assert.Equal(t, []nodes.Member{member}, resp.View.Members)
	assert.Equal(t, "ok", resp.View.Error)
}

func TestHealthEndpoint(t *testing.T) {
	node := &fakeNode{state: control.StateJoining}
	h := newTestServer(t, node, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	node.state = control.StateMember
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogLevelEndpoint(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	h := newTestServer(t, &fakeNode{}, &level)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loglevel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"level":"info"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, level.Level())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"loud"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, zap.DebugLevel, level.Level())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
