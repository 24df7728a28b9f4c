// Package http implements the HTTP transport named as the example carrier
// in spec.md §6: the canonical POST JSON-RPC form, the GET shorthand, and
// outbound delivery via a plain net/http client. Routing follows the
// teacher's Chi-based api.NewRouter shape — global middleware first, routes
// grouped by concern — generalized from REST resources to the single
// agent-RPC resource this runtime exposes.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/adminauth"
	"github.com/fenlake/agentrt/internal/rpc"
)

// refreshTokenCookie, oidcStateCookie, and oidcVerifierCookie are the
// httpOnly session cookies the admin login flow relies on, mirroring the
// teacher's auth handler cookie names and TTLs.
const (
	refreshTokenCookie = "agentrt_refresh_token"
	oidcStateCookie    = "agentrt_oidc_state"
	oidcVerifierCookie = "agentrt_oidc_verifier"
	oidcCookieTTL      = 10 * time.Minute
)

// Receiver is the narrow inbound surface the HTTP transport needs from the
// Host — deliver a request addressed to agentID, tagged for correlation
// with any pending outbound call it's a reply to.
type Receiver interface {
	Receive(ctx context.Context, agentID string, req rpc.Request, senderURL, tag string) rpc.Response
}

// FulfillFunc reports an outbound call's response back to the Host's
// Callback Registry, keyed by the tag Send was given.
type FulfillFunc func(tag string, resp rpc.Response)

// Admin is the narrow management surface the HTTP transport exposes over
// /admin, guarded by bearer-token authentication. Implemented directly by
// *instantiation.Service.
type Admin interface {
	Register(ctx context.Context, key, className string, params, authorizorCfg json.RawMessage) error
	Deregister(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListAgents(ctx context.Context) ([]string, error)
}

// TokenValidator verifies a bearer token for the admin surface. The return
// type is spelled out as *adminauth.Claims rather than left generic, because
// Go interface satisfaction matches method signatures exactly.
type TokenValidator interface {
	ValidateAccessToken(token string) (*adminauth.Claims, error)
}

// LoginService is the login half of the admin surface — local
// email/password plus OIDC authorization-code-with-PKCE, mirroring the
// teacher's auth.AuthService used by its AuthHandler. Implemented by
// *adminauth.Service.
type LoginService interface {
	LoginLocal(ctx context.Context, email, password string) (*adminauth.TokenPair, error)
	RefreshToken(ctx context.Context, rawToken string) (*adminauth.TokenPair, error)
	Logout(ctx context.Context, rawToken string) error
	RevokeAccessToken(ctx context.Context, tokenString string) error
	AuthorizationURL() (url, state, codeVerifier string, err error)
	ExchangeCode(ctx context.Context, req adminauth.CallbackRequest) (*adminauth.TokenPair, error)
}

// Transport implements transport.Transport over HTTP/HTTPS, and also owns
// the inbound HTTP server (agent RPC surface + admin surface).
type Transport struct {
	recv    Receiver
	fulfill FulfillFunc
	admin   Admin
	auth    TokenValidator
	login   LoginService
	secure  bool
	logger  *zap.Logger
	client  *http.Client
}

// Config bundles Transport construction dependencies.
type Config struct {
	Receiver Receiver
	Fulfill  FulfillFunc
	Admin    Admin
	Auth     TokenValidator // nil disables the admin surface entirely
	Login    LoginService   // nil disables the /admin/auth/* routes
	Secure   bool           // true to mark session cookies Secure (HTTPS deployments)
	Logger   *zap.Logger
}

// New constructs an HTTP Transport.
func New(cfg Config) *Transport {
	return &Transport{
		recv:    cfg.Receiver,
		fulfill: cfg.Fulfill,
		admin:   cfg.Admin,
		auth:    cfg.Auth,
		login:   cfg.Login,
		secure:  cfg.Secure,
		logger:  cfg.Logger.Named("transport.http"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() string { return "http" }

// Send implements transport.Transport. It posts req to targetURL and
// reports the result to fulfill asynchronously, so the call never blocks
// the agent operation that initiated it — the Host's Callback Registry
// (not this method's return) is what the caller actually waits on.
func (t *Transport) Send(ctx context.Context, targetURL string, req rpc.Request, senderURL, tag string) error {
	if _, err := url.Parse(targetURL); err != nil {
		return fmt.Errorf("transport/http: invalid target URL %q: %w", targetURL, err)
	}

	go func() {
		resp := t.doSend(targetURL, req, senderURL, tag)
		t.fulfill(tag, resp)
	}()
	return nil
}

func (t *Transport) doSend(targetURL string, req rpc.Request, senderURL, tag string) rpc.Response {
	body, err := json.Marshal(req)
	if err != nil {
		return errResponse(req.ID, rpc.CodeInternalError, fmt.Sprintf("encoding request: %v", err))
	}

	httpReq, err := http.NewRequest(http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return errResponse(req.ID, rpc.CodeInternalError, fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if senderURL != "" {
		httpReq.Header.Set("X-Agentrt-Sender", senderURL)
	}
	if tag != "" {
		httpReq.Header.Set("X-Agentrt-Tag", tag)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return errResponse(req.ID, rpc.CodeTimeout, fmt.Sprintf("transport/http: %v", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errResponse(req.ID, rpc.CodeInternalError, fmt.Sprintf("reading response: %v", err))
	}

	var resp rpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errResponse(req.ID, rpc.CodeInternalError, fmt.Sprintf("decoding response: %v", err))
	}
	return resp
}

func errResponse(id json.RawMessage, code int, msg string) rpc.Response {
	return rpc.Response{ID: id, Error: rpc.NewError(code, msg)}
}

// Router builds the Chi router serving both the agent RPC surface and, if
// configured, the admin surface.
func (t *Transport) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(t.logger))
	r.Use(middleware.Recoverer)

	r.Route("/agents/{agentId}", func(r chi.Router) {
		r.Post("/", t.handleRPC)
		r.Get("/{method}", t.handleShorthand)
	})

	if t.login != nil {
		r.Route("/admin/auth", func(r chi.Router) {
			r.Post("/login", t.handleLogin)
			r.Post("/logout", t.handleLogout)
			r.Post("/refresh", t.handleRefresh)
			r.Get("/oidc/login", t.handleOIDCLogin)
			r.Get("/oidc/callback", t.handleOIDCCallback)
		})
	}

	if t.admin != nil && t.auth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(t.authenticate)
			r.Post("/agents", t.handleAdminRegister)
			r.Delete("/agents/{agentId}", t.handleAdminDeregister)
			r.Get("/agents/{agentId}", t.handleAdminExists)
			r.Get("/agents", t.handleAdminList)
		})
	}

	return r
}

// handleRPC is the canonical form: POST /agents/{agentId}/ with a JSON-RPC
// body (spec.md §6).
func (t *Transport) handleRPC(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpc.Response{Error: rpc.NewError(rpc.CodeParseError, "reading request body")})
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpc.Response{Error: rpc.NewError(rpc.CodeParseError, "malformed JSON-RPC request")})
		return
	}

	tag := r.Header.Get("X-Agentrt-Tag")
	senderURL := r.Header.Get("X-Agentrt-Sender")
	resp := t.recv.Receive(r.Context(), agentID, req, senderURL, tag)
	writeJSON(w, http.StatusOK, resp)
}

// handleShorthand is GET /agents/{agentId}/{method}?k1=v1&k2=v2, synthesizing
// {method, params:{k1:v1,...}} (spec.md §6).
func (t *Transport) handleShorthand(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	method := chi.URLParam(r, "method")

	params := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, rpc.Response{Error: rpc.NewError(rpc.CodeInternalError, "encoding query params")})
		return
	}

	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: rawParams}
	resp := t.recv.Receive(r.Context(), agentID, req, "", "")

	if resp.Error != nil {
		writeJSON(w, httpStatusForRPCError(resp.Error.Code), resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Result)
}

func httpStatusForRPCError(code int) int {
	switch code {
	case rpc.CodeNotAuthorized:
		return http.StatusForbidden
	case rpc.CodeNotFound, rpc.CodeMethodNotFound:
		return http.StatusNotFound
	case rpc.CodeInvalidParams, rpc.CodeInvalidRequest, rpc.CodeParseError:
		return http.StatusBadRequest
	case rpc.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type claimsContextKey struct{}

// claimsFromContext retrieves the admin caller's JWT claims, set by
// authenticate. Used by role-sensitive admin handlers.
func claimsFromContext(ctx context.Context) (*adminauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*adminauth.Claims)
	return claims, ok
}

func (t *Transport) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		claims, err := t.auth.ValidateAccessToken(parts[1])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Key        string          `json:"key"`
	ClassName  string          `json:"className"`
	Params     json.RawMessage `json:"params"`
	Authorizor json.RawMessage `json:"authorizor,omitempty"`
}

// requireAdminRole rejects any caller whose token claims a role other than
// "admin" — register/deregister mutate the agent table, unlike the
// read-only exists/list routes any authenticated operator may use.
func requireAdminRole(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := claimsFromContext(r.Context())
	if !ok || claims.Role != "admin" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
		return false
	}
	return true
}

func (t *Transport) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	if !requireAdminRole(w, r) {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if err := t.admin.Register(r.Context(), req.Key, req.ClassName, req.Params, req.Authorizor); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key})
}

func (t *Transport) handleAdminDeregister(w http.ResponseWriter, r *http.Request) {
	if !requireAdminRole(w, r) {
		return
	}
	agentID := chi.URLParam(r, "agentId")
	if err := t.admin.Deregister(r.Context(), agentID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) handleAdminExists(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	exists, err := t.admin.Exists(r.Context(), agentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (t *Transport) handleAdminList(w http.ResponseWriter, r *http.Request) {
	ids, err := t.admin.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"agents": ids})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// handleLogin is POST /admin/auth/login: local email/password exchange for
// an admin access token, with the refresh token set as an httpOnly cookie —
// never returned in the response body.
func (t *Transport) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and password are required"})
		return
	}

	pair, err := t.login.LoginLocal(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, adminauth.ErrInvalidCredentials) || errors.Is(err, adminauth.ErrUserDisabled) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	t.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: pair.AccessToken})
}

// handleLogout is POST /admin/auth/logout: invalidates the refresh token
// named by the session cookie, revokes the bearer access token if the
// client sent one, and clears the cookie. Idempotent.
func (t *Transport) handleLogout(w http.ResponseWriter, r *http.Request) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if err := t.login.RevokeAccessToken(r.Context(), strings.TrimPrefix(auth, "Bearer ")); err != nil {
			t.logger.Warn("access token revocation error", zap.Error(err))
		}
	}

	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := t.login.Logout(r.Context(), cookie.Value); err != nil {
		t.logger.Warn("logout error", zap.Error(err))
	}
	t.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh is POST /admin/auth/refresh: rotates the refresh token
// cookie and returns a new access token.
func (t *Transport) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing refresh token"})
		return
	}
	pair, err := t.login.RefreshToken(r.Context(), cookie.Value)
	if err != nil {
		t.clearRefreshCookie(w)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}
	t.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: pair.AccessToken})
}

// handleOIDCLogin is GET /admin/auth/oidc/login: generates the authorization
// URL, stashes state and the PKCE code verifier in short-lived httpOnly
// cookies, and redirects the browser to the identity provider.
func (t *Transport) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, state, codeVerifier, err := t.login.AuthorizationURL()
	if err != nil {
		if errors.Is(err, adminauth.ErrProviderNotConfigured) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "oidc provider not configured"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	expires := time.Now().Add(oidcCookieTTL)
	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Value: state, Expires: expires, HttpOnly: true, Secure: t.secure, SameSite: http.SameSiteLaxMode, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: oidcVerifierCookie, Value: codeVerifier, Expires: expires, HttpOnly: true, Secure: t.secure, SameSite: http.SameSiteLaxMode, Path: "/"})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleOIDCCallback is GET /admin/auth/oidc/callback: completes the
// Authorization Code + PKCE exchange using the state/verifier cookies set by
// handleOIDCLogin, then redirects with the access token as a query param —
// the caller must move it out of the URL immediately.
func (t *Transport) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing oidc state cookie"})
		return
	}
	verifierCookie, err := r.Cookie(oidcVerifierCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing oidc verifier cookie"})
		return
	}
	t.clearOIDCCookies(w)

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code or state parameter"})
		return
	}

	pair, err := t.login.ExchangeCode(r.Context(), adminauth.CallbackRequest{
		Code:         code,
		State:        state,
		SessionState: stateCookie.Value,
		CodeVerifier: verifierCookie.Value,
	})
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	t.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	http.Redirect(w, r, "/?token="+pair.AccessToken, http.StatusFound)
}

func (t *Transport) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    token,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/admin/auth",
	})
}

func (t *Transport) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name: refreshTokenCookie, Value: "", Expires: time.Unix(0, 0), MaxAge: -1,
		HttpOnly: true, Secure: t.secure, SameSite: http.SameSiteStrictMode, Path: "/admin/auth",
	})
}

func (t *Transport) clearOIDCCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Value: "", Expires: time.Unix(0, 0), MaxAge: -1, HttpOnly: true, Secure: t.secure, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: oidcVerifierCookie, Value: "", Expires: time.Unix(0, 0), MaxAge: -1, HttpOnly: true, Secure: t.secure, Path: "/"})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
