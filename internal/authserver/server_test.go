package authserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"login-core/internal/authority"
)

func testServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.LoginRate == 0 {
		cfg.LoginRate = rate.Limit(10000)
		cfg.LoginBurst = 10000
	}
	return NewServer(cfg)
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestMultiLimiter(t *testing.T) {
	m := newMultiLimiter(rate.Every(time.Hour), 2, time.Hour)
	if !m.allow("a") || !m.allow("a") {
		t.Fatal("burst rejected")
	}
	if m.allow("a") {
		t.Fatal("over-burst allowed")
	}
	if !m.allow("b") {
		t.Fatal("unrelated key throttled")
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := testServer(t, Config{LoginRate: rate.Every(time.Hour), LoginBurst: 2})
	body := authority.LoginRequest{UserID: []byte("u"), PasswordAuth: []byte("p")}
	for i := 0; i < 2; i++ {
		if w := postJSON(t, srv, "/v2/login", body); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: code %d", i, w.Code)
		}
	}
	if w := postJSON(t, srv, "/v2/login", body); w.Code != http.StatusTooManyRequests {
		t.Fatalf("code %d, want 429", w.Code)
	}
}

func TestUnknownUserAndWrongSecretLookAlike(t *testing.T) {
	srv := testServer(t, Config{})
	w := postJSON(t, srv, "/v2/login/create", authority.CreatePayload{
		UserID:       []byte("known-user"),
		PasswordAuth: []byte("secret"),
		Data:         authority.LoginPayload{LoginID: []byte("login-1")},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	missing := postJSON(t, srv, "/v2/login", authority.LoginRequest{
		UserID: []byte("no-such-user"), PasswordAuth: []byte("secret"),
	})
	wrong := postJSON(t, srv, "/v2/login", authority.LoginRequest{
		UserID: []byte("known-user"), PasswordAuth: []byte("bad"),
	})
	if missing.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("codes %d / %d, want 401 / 401", missing.Code, wrong.Code)
	}
	if missing.Body.String() != wrong.Body.String() {
		t.Fatal("error bodies differ between unknown user and wrong secret")
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	srv := testServer(t, Config{})
	payload := authority.CreatePayload{
		UserID: []byte("user-1"),
		Data:   authority.LoginPayload{LoginID: []byte("login-1")},
	}
	if w := postJSON(t, srv, "/v2/login/create", payload); w.Code != http.StatusOK {
		t.Fatalf("first create: %d", w.Code)
	}
	if w := postJSON(t, srv, "/v2/login/create", payload); w.Code != http.StatusConflict {
		t.Fatalf("duplicate create: %d, want 409", w.Code)
	}
}

func TestLobbyExpiry(t *testing.T) {
	now := time.Now()
	srv := testServer(t, Config{Now: func() time.Time { return now }})

	w := postJSON(t, srv, "/v2/lobby", authority.LobbyRequest{
		PublicKey:      []byte("pubkey"),
		TimeoutSeconds: 60,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("lobby create: %d", w.Code)
	}
	var reply struct {
		Results authority.LobbyReply `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}

	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v2/lobby/"+reply.Results.LobbyID, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if get() != http.StatusOK {
		t.Fatal("fresh lobby not found")
	}
	now = now.Add(2 * time.Minute)
	if get() != http.StatusNotFound {
		t.Fatal("expired lobby still served")
	}
}
