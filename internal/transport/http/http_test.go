package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/adminauth"
	"github.com/fenlake/agentrt/internal/rpc"
	"github.com/fenlake/agentrt/internal/state/memstate"
	httptransport "github.com/fenlake/agentrt/internal/transport/http"
)

type fakeReceiver struct{}

func (fakeReceiver) Receive(_ context.Context, agentID string, req rpc.Request, _, _ string) rpc.Response {
	if agentID == "missing" {
		return rpc.Response{ID: req.ID, Error: rpc.ErrNotFound}
	}
	result, _ := json.Marshal(req.Method + ":" + agentID)
	return rpc.Response{ID: req.ID, Result: result}
}

type fakeAdmin struct {
	registered map[string]string
}

func (a *fakeAdmin) Register(_ context.Context, key, className string, _, _ json.RawMessage) error {
	a.registered[key] = className
	return nil
}

func (a *fakeAdmin) Deregister(_ context.Context, key string) error {
	delete(a.registered, key)
	return nil
}

func (a *fakeAdmin) Exists(_ context.Context, key string) (bool, error) {
	_, ok := a.registered[key]
	return ok, nil
}

func (a *fakeAdmin) ListAgents(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(a.registered))
	for id := range a.registered {
		ids = append(ids, id)
	}
	return ids, nil
}

func newTestServer(t *testing.T, admin httptransport.Admin, auth httptransport.TokenValidator, login httptransport.LoginService) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	tr := httptransport.New(httptransport.Config{
		Receiver: fakeReceiver{},
		Fulfill:  func(string, rpc.Response) {},
		Admin:    admin,
		Auth:     auth,
		Login:    login,
		Logger:   logger,
	})
	srv := httptest.NewServer(tr.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleRPCRoundTrips(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	body, err := json.Marshal(rpc.Request{JSONRPC: "2.0", Method: "ping", ID: json.RawMessage(`1`)})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/agents/pingAgent/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Nil(t, out.Error)

	var result string
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, "ping:pingAgent", result)
}

func TestHandleRPCUnknownAgentReturnsNotFoundError(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	body, _ := json.Marshal(rpc.Request{JSONRPC: "2.0", Method: "ping"})
	resp, err := http.Post(srv.URL+"/agents/missing/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeNotFound, out.Error.Code)
}

func TestHandleShorthandSynthesizesParamsFromQuery(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	resp, err := http.Get(srv.URL + "/agents/pingAgent/ping?message=hi")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "ping:pingAgent", result)
}

func TestAdminSurfaceWithoutAuthIsNotMounted(t *testing.T) {
	admin := &fakeAdmin{registered: map[string]string{}}
	srv := newTestServer(t, admin, nil, nil) // Auth nil disables /admin

	resp, err := http.Get(srv.URL + "/admin/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminSurfaceRejectsMissingBearerToken(t *testing.T) {
	admin := &fakeAdmin{registered: map[string]string{}}
	auth := newTestAuth(t)
	srv := newTestServer(t, admin, auth, nil)

	resp, err := http.Get(srv.URL + "/admin/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRegisterListDeregisterRoundTrip(t *testing.T) {
	admin := &fakeAdmin{registered: map[string]string{}}
	svc := newTestAuth(t)
	srv := newTestServer(t, admin, svc, svc)

	pair, err := svc.LoginLocal(context.Background(), "root@agentrt.local", "hunter2")
	require.NoError(t, err)

	client := &http.Client{}
	authHeader := func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		req.Header.Set("Content-Type", "application/json")
	}

	registerBody, _ := json.Marshal(map[string]string{"key": "agent1", "className": "pingAgent"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/agents", bytes.NewReader(registerBody))
	authHeader(req)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/admin/agents", nil)
	authHeader(req)
	resp, err = client.Do(req)
	require.NoError(t, err)
	var listOut struct {
		Agents []string `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listOut))
	resp.Body.Close()
	assert.Contains(t, listOut.Agents, "agent1")

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/admin/agents/agent1", nil)
	authHeader(req)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	exists, err := admin.Exists(context.Background(), "agent1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestAuth(t)
	srv := newTestServer(t, nil, nil, svc)

	body, _ := json.Marshal(map[string]string{"email": "root@agentrt.local", "password": "wrong"})
	resp, err := http.Post(srv.URL+"/admin/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginThenRefreshRotatesToken(t *testing.T) {
	svc := newTestAuth(t)
	srv := newTestServer(t, nil, nil, svc)

	body, _ := json.Marshal(map[string]string{"email": "root@agentrt.local", "password": "hunter2"})
	resp, err := http.Post(srv.URL+"/admin/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cookies []*http.Cookie
	for _, c := range resp.Cookies() {
		cookies = append(cookies, c)
	}
	require.NotEmpty(t, cookies)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/auth/refresh", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	refreshResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer refreshResp.Body.Close()
	assert.Equal(t, http.StatusOK, refreshResp.StatusCode)

	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(refreshResp.Body).Decode(&out))
	assert.NotEmpty(t, out.AccessToken)
}

func newTestAuth(t *testing.T) *adminauth.Service {
	t.Helper()
	st := memstate.New()
	store := adminauth.NewStore(st)
	jwtManager, err := adminauth.NewJWTManagerGenerated("agentrt-test")
	require.NoError(t, err)
	svc := adminauth.New(store, jwtManager, nil)
	require.NoError(t, svc.Bootstrap(context.Background(), "root@agentrt.local", "hunter2"))
	return svc
}
