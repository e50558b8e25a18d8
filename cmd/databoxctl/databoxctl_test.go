package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	databoxws "github.com/zeusync/databox/internal/core/protocol/websocket"
)

func fakeServer(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req databoxws.Request
			if err = conn.ReadJSON(&req); err != nil {
				return
			}
			var data any
			switch req.Action {
			case databoxws.ActionRegister:
				data = map[string]any{"cudId": "c1"}
			case databoxws.ActionFetch:
				data = map[string]any{"counter": 0, "data": map[string]any{
					"databox": req.Databox,
					"payload": req.Payload,
				}}
			}
			raw, _ := json.Marshal(data)
			if err = conn.WriteJSON(databoxws.Response{ID: req.ID, OK: true, Data: raw}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFetchCommand(t *testing.T) {
	url := fakeServer(t)

	out, err := run(t, "fetch", "--server", url, "--log-level", "error", "profile", `{"page":2}`)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "profile", got["databox"])
	assert.Equal(t, map[string]any{"input": map[string]any{"page": float64(2)}}, got["payload"])
}

func TestFetchCommandUsesConfigFile(t *testing.T) {
	url := fakeServer(t)
	path := filepath.Join(t.TempDir(), "databoxctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: "+url+"\ndatabox: orders\nlog_level: error\n"), 0o600))

	out, err := run(t, "fetch", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"orders"`)
}

func TestFetchCommandErrors(t *testing.T) {
	_, err := run(t, "fetch", "profile", "{not json")
	assert.ErrorContains(t, err, "invalid input json")

	_, err = run(t, "fetch", "--log-level", "error")
	assert.ErrorContains(t, err, "no databox given")

	_, err = run(t, "fetch", "--log-level", "loud", "profile")
	assert.Error(t, err)
}

func TestRootOptionsOverrideConfig(t *testing.T) {
	opts := &rootOptions{serverURL: "ws://override", strategy: "timeWindow", parallel: true}
	cfg, err := opts.config()
	require.NoError(t, err)
	assert.Equal(t, "ws://override", cfg.ServerURL)
	assert.Equal(t, "timeWindow", cfg.Reload.Strategy)
	assert.True(t, cfg.ParallelFetch)
}
