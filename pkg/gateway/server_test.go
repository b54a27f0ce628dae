package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seedTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newSeededStore(t *testing.T) *memory.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewStore(memory.Config{
		DBPath:         filepath.Join(dir, "conversations.db"),
		ExportsDir:     filepath.Join(dir, "exports"),
		BackupsDir:     filepath.Join(dir, "backups"),
		DisableVectors: true,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })

	exchanges := []memory.Exchange{
		{ID: "ex-1", SessionID: "sess-a", ProjectPath: "/work/app", UserMessage: "Why is sqlite locked?", AssistantMessage: "Another writer holds the lock.", Timestamp: seedTime},
		{ID: "ex-2", SessionID: "sess-a", ProjectPath: "/work/app", UserMessage: "How do I enable WAL?", AssistantMessage: "Set journal_mode to WAL; sqlite then allows readers.", Timestamp: seedTime.Add(time.Minute)},
		{ID: "ex-3", SessionID: "sess-b", ProjectPath: "/work/lib", UserMessage: "Rename the package", AssistantMessage: "Renamed.", ToolNames: []string{"Edit"}, Timestamp: seedTime.Add(48 * time.Hour)},
	}
	for _, ex := range exchanges {
		ex.SourceFile = memory.SessionSourcePrefix + ex.SessionID
		ex.LineStart, ex.LineEnd = 1, 2
		require.NoError(t, store.Insert(context.Background(), ex))
	}
	return store
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newSeededStore(t)
	}
	cfg.Logger = zerolog.Nop()
	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postRPC(t *testing.T, url string, body string, headers map[string]string) (int, RPCResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out RPCResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

// decodeResult re-decodes a generic JSON result into v.
func decodeResult(t *testing.T, result interface{}, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 7717})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 70000, Store: newSeededStore(t)})
	assert.Error(t, err)
}

func TestServer_RegistersMemoryMethods(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	assert.Equal(t, []string{
		"memory.backup",
		"memory.export",
		"memory.repair",
		"memory.search",
		"memory.search_multi",
		"memory.session",
		"memory.show",
		"memory.stats",
	}, s.Methods())
}

func TestServer_RegisterMethodsReportsFailure(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	err := s.registerMethods(map[string]RequestHandler{"memory.broken": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory.broken")
	assert.NotContains(t, s.Methods(), "memory.broken")
}

func TestRPC_MemorySearch(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	status, resp := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":"1","method":"memory.search","params":{"query":"sqlite","mode":"text"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	var result SearchResponse
	decodeResult(t, resp.Result, &result)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "ex-2", result.Results[0].Exchange.ID)
	assert.Equal(t, memory.TextSearchScore, result.Results[0].Score)
}

func TestRPC_MemorySearchFilters(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp := postRPC(t, ts.URL, `{"id":"1","method":"memory.search","params":{"query":"Rename","project":"/work/lib","after":"2025-03-02"}}`, nil)
	require.Nil(t, resp.Error)
	var result SearchResponse
	decodeResult(t, resp.Result, &result)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, "ex-3", result.Results[0].Exchange.ID)

	_, resp = postRPC(t, ts.URL, `{"id":"2","method":"memory.search","params":{"query":"Rename","before":"2025-03-02T00:00:00Z"}}`, nil)
	require.Nil(t, resp.Error)
	decodeResult(t, resp.Result, &result)
	assert.Zero(t, result.Count)
}

func TestRPC_InvalidParams(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	cases := map[string]string{
		"missing query":  `{"id":"1","method":"memory.search","params":{}}`,
		"bad limit":      `{"id":"1","method":"memory.search","params":{"query":"x","limit":-1}}`,
		"fraction limit": `{"id":"1","method":"memory.search","params":{"query":"x","limit":2.5}}`,
		"bad mode":       `{"id":"1","method":"memory.search","params":{"query":"x","mode":"fuzzy"}}`,
		"bad after":      `{"id":"1","method":"memory.search","params":{"query":"x","after":"yesterday"}}`,
		"no concepts":    `{"id":"1","method":"memory.search_multi","params":{"concepts":[]}}`,
		"bad concepts":   `{"id":"1","method":"memory.search_multi","params":{"concepts":"sqlite"}}`,
		"missing id":     `{"id":"1","method":"memory.show","params":{}}`,
		"missing sess":   `{"id":"1","method":"memory.session","params":{}}`,
		"escaping path":  `{"id":"1","method":"memory.export","params":{"path":"../outside.json"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, resp := postRPC(t, ts.URL, body, nil)
			assert.Equal(t, http.StatusOK, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, InvalidParams, resp.Error.Code)
		})
	}
}

func TestRPC_MemorySearchMulti(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp := postRPC(t, ts.URL, `{"id":"1","method":"memory.search_multi","params":{"concepts":["sqlite","WAL"],"mode":"text"}}`, nil)
	require.Nil(t, resp.Error)

	var result SearchResponse
	decodeResult(t, resp.Result, &result)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, "ex-2", result.Results[0].Exchange.ID)
	assert.Equal(t, []string{"sqlite", "WAL"}, result.Concepts)
}

func TestRPC_MemoryShowAndSession(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp := postRPC(t, ts.URL, `{"id":"1","method":"memory.show","params":{"id":"ex-3"}}`, nil)
	require.Nil(t, resp.Error)
	var ex memory.Exchange
	decodeResult(t, resp.Result, &ex)
	assert.Equal(t, "sess-b", ex.SessionID)
	assert.Equal(t, []string{"Edit"}, ex.ToolNames)

	_, resp = postRPC(t, ts.URL, `{"id":"2","method":"memory.show","params":{"id":"nope"}}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	_, resp = postRPC(t, ts.URL, `{"id":"3","method":"memory.session","params":{"session_id":"sess-a"}}`, nil)
	require.Nil(t, resp.Error)
	var session SessionResponse
	decodeResult(t, resp.Result, &session)
	assert.Equal(t, 2, session.Count)

	_, resp = postRPC(t, ts.URL, `{"id":"4","method":"memory.session","params":{"session_id":"ghost"}}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestRPC_MemoryStatsBackupExportRepair(t *testing.T) {
	store := newSeededStore(t)
	_, ts := newTestServer(t, Config{Store: store})

	_, resp := postRPC(t, ts.URL, `{"id":"1","method":"memory.stats"}`, nil)
	require.Nil(t, resp.Error)
	var stats struct {
		Stats   memory.Stats `json:"stats"`
		Vectors string       `json:"vectors"`
	}
	decodeResult(t, resp.Result, &stats)
	assert.Equal(t, 3, stats.Stats.TotalExchanges)
	assert.Equal(t, "unavailable", stats.Vectors)

	_, resp = postRPC(t, ts.URL, `{"id":"2","method":"memory.backup"}`, nil)
	require.Nil(t, resp.Error)
	backups, err := store.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	_, resp = postRPC(t, ts.URL, `{"id":"3","method":"memory.export","params":{"path":"snapshot.json"}}`, nil)
	require.Nil(t, resp.Error)
	var export memory.ExportResult
	decodeResult(t, resp.Result, &export)
	assert.Equal(t, 3, export.ExchangeCount)
	assert.NoError(t, memory.ValidateExportFile(export.Path))

	_, resp = postRPC(t, ts.URL, `{"id":"4","method":"memory.repair","params":{"fix":true}}`, nil)
	require.Nil(t, resp.Error)
	var report memory.RepairReport
	decodeResult(t, resp.Result, &report)
	assert.True(t, report.DryRun)
}

func TestRPC_ParseAndRoutingErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	status, resp := postRPC(t, ts.URL, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)

	status, resp = postRPC(t, ts.URL, `{"method":"memory.stats"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	_, resp = postRPC(t, ts.URL, `{"id":"1","method":"memory.forget"}`, nil)
	assert.Equal(t, MethodNotFound, resp.Error.Code)

	res, err := http.Get(ts.URL + "/rpc")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestRPC_SharedSecret(t *testing.T) {
	_, ts := newTestServer(t, Config{SharedSecret: "s3cret"})

	status, _ := postRPC(t, ts.URL, `{"id":"1","method":"memory.stats"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, resp := postRPC(t, ts.URL, `{"id":"1","method":"memory.stats"}`, map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp.Error)
}

func TestRPC_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		status, _ := postRPC(t, ts.URL, `{"id":"1","method":"memory.stats"}`, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, resp := postRPC(t, ts.URL, `{"id":"3","method":"memory.stats"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, RateLimitExceeded, resp.Error.Code)
	assert.Equal(t, "3", resp.ID)
}

func TestHealthzAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	postRPC(t, ts.URL, `{"id":"1","method":"memory.stats"}`, nil)
	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.True(t, bytes.Contains(body, []byte("memory_rpc_requests_total")))
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWebSocket_NoAuthServesRequests(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts)

	var greeting AuthResult
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, "auth.success", greeting.Event)
	assert.True(t, greeting.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "7", Method: "memory.show", Params: map[string]interface{}{"id": "ex-1"}}))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "7", resp.ID)
	require.Nil(t, resp.Error)

	var ex memory.Exchange
	decodeResult(t, resp.Result, &ex)
	assert.Equal(t, "Why is sqlite locked?", ex.UserMessage)
}

func TestWebSocket_ChallengeAuth(t *testing.T) {
	s, ts := newTestServer(t, Config{SharedSecret: "s3cret"})
	conn := dialWS(t, ts)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)
	require.Len(t, challenge.Challenge, 64)

	// Requests before authentication are refused.
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "memory.stats"}))
	var refused RPCResponse
	require.NoError(t, conn.ReadJSON(&refused))
	require.NotNil(t, refused.Error)
	assert.Equal(t, AuthenticationRequired, refused.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: SignChallenge("s3cret", challenge.Challenge)}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "2", Method: "memory.stats"}))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Nil(t, resp.Error)

	// Authenticated clients receive memory.indexed events.
	assert.Equal(t, 1, s.Broadcast(EventMemoryIndexed, map[string]interface{}{"file": "/logs/a.jsonl", "exchanges": 2}))
	var event EventMessage
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventMemoryIndexed, event.Event)
	assert.Len(t, s.GetConnectedClients(), 1)
}

func TestWebSocket_DropsAfterFailedAttempts(t *testing.T) {
	_, ts := newTestServer(t, Config{SharedSecret: "s3cret"})
	conn := dialWS(t, ts)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	for i := 0; i < maxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	}

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Port: 0, Store: newSeededStore(t), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}
