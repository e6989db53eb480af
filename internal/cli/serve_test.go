package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeHTTP(t *testing.T) {
	e := newCLIEnv(t)

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", RulesDir: e.rules, DBPath: e.db},
		Addr:        "127.0.0.1:0",
		NoIngest:    true,
		Ready:       ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &bytes.Buffer{}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetContext(ctx)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Post(base+"/v1/events", "application/json", strings.NewReader(purchaseJSON("evt-1", 2500)))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(250), result["totalPointsAwarded"])

	resp, err = client.Get(base + "/v1/consumers/c-1/balance")
	require.NoError(t, err)
	var balance map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	resp.Body.Close()
	assert.Equal(t, float64(250), balance["available"])

	resp, err = client.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "loyalty_rules_loaded 2")
	assert.Contains(t, string(body), "loyalty_points_awarded_total 250")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, out.String(), "Serving on "+addr)
}

func TestServeInvalidConfig(t *testing.T) {
	newCLIEnv(t)

	_, err := execute(t, "", "serve", "--backend", "etcd")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
