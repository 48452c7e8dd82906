package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ansr/internal/auth"
	"ansr/internal/config"
	"ansr/internal/hub"
	"ansr/internal/respond"
	"ansr/internal/session"
	"ansr/internal/worker"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BasicConfig: config.BasicConfig{DemoMode: true},
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	factory := session.NewFactory(cfg, "sqlite3")
	client, err := factory.Client(context.Background())
	if err != nil {
		t.Fatalf("factory client: %v", err)
	}

	store := session.NewStore(factory)
	recovery := session.NewRecovery(factory, session.DefaultPolicy())
	monitor := session.NewMonitor(factory, recovery, time.Minute)

	respondService := respond.NewService(client.DB)
	manager := worker.NewManager(client.DB, nil, client.Stream, respondService)
	dispatcher := worker.NewDispatcher(1, 2, 8, manager, time.Minute)

	guard := auth.NewGuard(client.Auth, "/login", "/dashboard", false)
	handler := NewHandler(Deps{
		Auth:       client.Auth,
		Guard:      guard,
		Respond:    respondService,
		Uploads:    manager,
		Dispatcher: dispatcher,
		Stream:     client.Stream,
		Factory:    factory,
		Store:      store,
		Recovery:   recovery,
		Monitor:    monitor,
		Sockets:    hub.New(),
	})

	router := gin.New()
	handler.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func registerAndLogin(t *testing.T, router *gin.Engine, email string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": email, "password": "password123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": email, "password": "password123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	sess, _ := body["session"].(map[string]any)
	token, _ := sess["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token in login response: %s", w.Body.String())
	}
	return token
}

func TestRegisterLoginAndMe(t *testing.T) {
	router := newTestRouter(t)
	token := registerAndLogin(t, router, "api@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	user, _ := body["user"].(map[string]any)
	if user["email"] != "api@example.com" {
		t.Fatalf("wrong user: %v", user)
	}

	// anonymous API requests are rejected with a kind
	w = doJSON(t, router, http.MethodGet, "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me: %d", w.Code)
	}
	if decodeBody(t, w)["kind"] != "session_not_found" {
		t.Fatalf("missing kind: %s", w.Body.String())
	}
}

func TestLoginSetsCookies(t *testing.T) {
	router := newTestRouter(t)
	registerAndLogin(t, router, "cookies@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "cookies@example.com", "password": "password123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d", w.Code)
	}
	var names []string
	for _, ck := range w.Result().Cookies() {
		names = append(names, ck.Name)
	}
	want := map[string]bool{"auth_token": false, "csrf_token": false}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("cookie %s not set, got %v", name, names)
		}
	}
}

func TestCampaignResponseFlow(t *testing.T) {
	router := newTestRouter(t)
	owner := registerAndLogin(t, router, "owner@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/campaigns", owner, gin.H{
		"title": "Tell us about onboarding",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", w.Code, w.Body.String())
	}
	campaign, _ := decodeBody(t, w)["campaign"].(map[string]any)
	campaignID, _ := campaign["id"].(string)
	if campaignID == "" {
		t.Fatalf("no campaign id")
	}

	// respond links resolve without auth
	w = doJSON(t, router, http.MethodGet, "/api/campaigns/"+campaignID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("public campaign fetch: %d", w.Code)
	}

	respondent := registerAndLogin(t, router, "respondent@example.com")
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/campaigns/%s/responses", campaignID), respondent, gin.H{
		"content": "The docs were great.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit response: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/campaigns/%s/conversation", campaignID), respondent, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("conversation: %d %s", w.Code, w.Body.String())
	}
	messages, _ := decodeBody(t, w)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	// closing the campaign stops new responses
	w = doJSON(t, router, http.MethodPatch, fmt.Sprintf("/api/campaigns/%s/status", campaignID), owner, gin.H{
		"status": "closed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("close campaign: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/campaigns/%s/responses", campaignID), respondent, gin.H{
		"content": "too late",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("closed campaign accepted response: %d", w.Code)
	}

	// only the owner can change status
	w = doJSON(t, router, http.MethodPatch, fmt.Sprintf("/api/campaigns/%s/status", campaignID), respondent, gin.H{
		"status": "active",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-owner changed status: %d", w.Code)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	router := newTestRouter(t)
	registerAndLogin(t, router, "rotate@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "rotate@example.com", "password": "password123",
	})
	body := decodeBody(t, w)
	sess, _ := body["session"].(map[string]any)
	refresh, _ := sess["refresh_token"].(string)
	access, _ := sess["access_token"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	rotated, _ := decodeBody(t, w)["session"].(map[string]any)
	if rotated["access_token"] == access {
		t.Fatalf("access token not rotated")
	}

	// the old access token is dead
	w = doJSON(t, router, http.MethodGet, "/api/me", access, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stale token still accepted: %d", w.Code)
	}
}

func TestSessionHealthAndRecovery(t *testing.T) {
	router := newTestRouter(t)
	token := registerAndLogin(t, router, "health@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/session/health", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %s", w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/session/recover", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recover: %d %s", w.Code, w.Body.String())
	}
	res := decodeBody(t, w)
	if res["success"] != true {
		t.Fatalf("recovery failed: %s", w.Body.String())
	}
}

func TestQuotesEndpoint(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/quotes?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quotes: %d", w.Code)
	}
	quotes, _ := decodeBody(t, w)["quotes"].([]any)
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
}

func TestCookieRequestsNeedCSRFToken(t *testing.T) {
	router := newTestRouter(t)
	registerAndLogin(t, router, "csrf@example.com")

	login := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "csrf@example.com", "password": "password123",
	})
	var authCookie, csrfCookie *http.Cookie
	for _, ck := range login.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("login did not set auth cookies")
	}

	post := func(withCSRF bool) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(gin.H{"title": "Cookie campaign"})
		req := httptest.NewRequest(http.MethodPost, "/api/campaigns", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(authCookie)
		req.AddCookie(csrfCookie)
		if withCSRF {
			req.Header.Set("X-CSRF-Token", csrfCookie.Value)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := post(false); w.Code != http.StatusForbidden {
		t.Fatalf("mutation without csrf header: %d", w.Code)
	}
	if w := post(true); w.Code != http.StatusCreated {
		t.Fatalf("mutation with csrf header: %d %s", w.Code, w.Body.String())
	}
}

func TestLogoutClearsSession(t *testing.T) {
	router := newTestRouter(t)
	token := registerAndLogin(t, router, "bye@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/auth/logout", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("token survived logout: %d", w.Code)
	}
}
