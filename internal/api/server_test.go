package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luan/facmandu/internal/config"
	"github.com/luan/facmandu/internal/deps"
	"github.com/luan/facmandu/internal/portal"
	"github.com/luan/facmandu/internal/realtime"
	"github.com/luan/facmandu/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := portal.New(portal.Config{
		MaxConcurrent: 2,
		MinSpacing:    time.Millisecond,
		Timeout:       2 * time.Second,
	})
	t.Cleanup(gw.Close)

	cfg := &config.Config{JWTSecret: "test-secret"}
	s := NewServer(cfg, st, realtime.NewBus(), gw)
	s.keepAlive = 100 * time.Millisecond

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func registerUser(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/register", "",
		map[string]string{"username": username, "password": "hunter2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func createList(t *testing.T, ts *httptest.Server, token, name string) string {
	t.Helper()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/modlists", token,
		map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.ID)
	return out.ID
}

func addMod(t *testing.T, ts *httptest.Server, token, listID string, body map[string]any) string {
	t.Helper()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/modlists/"+listID+"/mods", token, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &out)
	return out.ID
}

func TestRegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t)

	registerUser(t, ts, "alice")

	// Duplicate usernames are rejected.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/register", "",
		map[string]string{"username": "alice", "password": "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/login", "",
		map[string]string{"username": "alice", "password": "hunter2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/login", "",
		map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestModListAccessControl(t *testing.T) {
	_, ts := newTestServer(t)

	owner := registerUser(t, ts, "owner")
	stranger := registerUser(t, ts, "stranger")
	listID := createList(t, ts, owner, "private")

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/modlists/missing-id", owner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID, owner, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAddCollaboratorGrantsAccess(t *testing.T) {
	_, ts := newTestServer(t)

	owner := registerUser(t, ts, "owner")
	friend := registerUser(t, ts, "friend")
	listID := createList(t, ts, owner, "shared")

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID, friend, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/modlists/"+listID+"/collaborators",
		owner, map[string]string{"username": "friend"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID, friend, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestToggleRefusedWhileRequired(t *testing.T) {
	_, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")

	libID := addMod(t, ts, token, listID, map[string]any{"name": "flib"})
	consumerID := addMod(t, ts, token, listID, map[string]any{
		"name":         "big-factory",
		"dependencies": []string{"flib >= 0.12.0"},
	})

	// flib is load-bearing while big-factory is enabled.
	resp := doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+libID+"/toggle", token,
		map[string]any{"enabled": false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+consumerID+"/toggle", token,
		map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+libID+"/toggle", token,
		map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestDisableEssentialRejected(t *testing.T) {
	_, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")
	modID := addMod(t, ts, token, listID, map[string]any{"name": "core-mod"})

	resp := doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+modID+"/essential", token,
		map[string]any{"essential": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+modID+"/toggle", token,
		map[string]any{"enabled": false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestValidateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")
	addMod(t, ts, token, listID, map[string]any{
		"name":         "big-factory",
		"dependencies": []string{"missing-lib", "? optional-lib", "base"},
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID+"/validate", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report deps.Report
	decodeBody(t, resp, &report)
	assert.Equal(t, []string{"missing-lib"}, report.MissingDependencies)
	assert.Empty(t, report.Conflicts)
}

func TestExport(t *testing.T) {
	_, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")

	addMod(t, ts, token, listID, map[string]any{"name": "krastorio"})
	offID := addMod(t, ts, token, listID, map[string]any{"name": "alien-biomes"})
	addMod(t, ts, token, listID, map[string]any{"name": "parked", "icebox": true})

	resp := doJSON(t, http.MethodPost,
		ts.URL+"/api/modlists/"+listID+"/mods/"+offID+"/toggle", token,
		map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/modlists/"+listID+"/export", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "mod-list.json")

	var out struct {
		Mods []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"mods"`
	}
	decodeBody(t, resp, &out)

	require.Len(t, out.Mods, 3, "icebox mods must be omitted")
	assert.Equal(t, "base", out.Mods[0].Name)
	assert.True(t, out.Mods[0].Enabled)

	byName := map[string]bool{}
	for _, m := range out.Mods[1:] {
		byName[m.Name] = m.Enabled
	}
	assert.Equal(t, map[string]bool{"krastorio": true, "alien-biomes": false}, byName)
}

func TestModInfoProxy(t *testing.T) {
	s, ts := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mods/flib/full", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"flib","title":"Factorio Library"}`)
	}))
	defer upstream.Close()
	s.cfg.PortalBaseURL = upstream.URL

	token := registerUser(t, ts, "alice")

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/factorio-mods/flib", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	decodeBody(t, resp, &out)
	assert.Equal(t, "flib", out["name"])

	// Names failing the allow-list never reach the upstream.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/factorio-mods/bad%20name", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet,
		ts.URL+"/api/factorio-mods/"+strings.Repeat("a", 101), token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// readEvent scans stream frames until a non-ping event arrives.
func readEvent(t *testing.T, br *bufio.Reader) realtime.Event {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev realtime.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Type == "ping" {
			continue
		}
		return ev
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEventStreamLifecycle(t *testing.T) {
	s, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// EventSource clients cannot set headers, so the token rides the query.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/modlists/"+listID+"/events?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)

	init := readEvent(t, br)
	require.Equal(t, "presence-init", init.Type)
	viewers := init.Data.(map[string]any)["viewers"].([]any)
	require.Len(t, viewers, 1)
	assert.Equal(t, "alice", viewers[0].(map[string]any)["username"])

	s.bus.Publish(listID, "mod-toggled", map[string]any{"modId": "m1", "enabled": false})
	ev := readEvent(t, br)
	assert.Equal(t, "mod-toggled", ev.Type)
	assert.NotZero(t, ev.Timestamp)

	// Dropping the connection releases presence and the subscription.
	cancel()
	waitFor(t, func() bool { return len(s.bus.ActiveViewers(listID)) == 0 })
}

func TestEventStreamRequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/modlists/some-list/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCursorClamped(t *testing.T) {
	s, ts := newTestServer(t)

	token := registerUser(t, ts, "alice")
	listID := createList(t, ts, token, "mods")

	var got []realtime.Event
	done := make(chan struct{})
	s.bus.Subscribe(listID, func(ev realtime.Event) {
		got = append(got, ev)
		close(done)
	})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/modlists/"+listID+"/cursor", token,
		map[string]any{"x": 1.7, "y": -0.3})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	<-done
	require.Len(t, got, 1)
	data := got[0].Data.(map[string]any)
	assert.Equal(t, "cursor", got[0].Type)
	assert.Equal(t, 1.0, data["x"])
	assert.Equal(t, 0.0, data["y"])
	assert.Equal(t, "alice", data["username"])
}
