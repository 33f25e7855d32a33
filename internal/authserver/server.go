// Package authserver is the reference login authority: an in-memory,
// single-process implementation of the wire protocol the engine speaks.
// It stores only ciphertext boxes and plaintext verifiers, so it can
// gate access without ever holding a login key.
package authserver

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	Logger *log.Logger
	Now    func() time.Time

	// VoucherDelay is how long an unapproved device waits before a
	// pending voucher activates on its own.
	VoucherDelay time.Duration

	// LoginRate bounds login attempts per client IP.
	LoginRate  rate.Limit
	LoginBurst int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[authserver] ", log.LstdFlags)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.VoucherDelay <= 0 {
		c.VoucherDelay = 7 * 24 * time.Hour
	}
	if c.LoginRate <= 0 {
		c.LoginRate = rate.Every(200 * time.Millisecond)
	}
	if c.LoginBurst <= 0 {
		c.LoginBurst = 10
	}
}

type Server struct {
	cfg     Config
	mux     *http.ServeMux
	logins  *store
	lobbies *lobbyStore
	limiter *multiLimiter
	logger  *log.Logger
}

func NewServer(cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logins:  newStore(),
		lobbies: newLobbyStore(cfg.Now),
		limiter: newMultiLimiter(cfg.LoginRate, cfg.LoginBurst, 10*time.Minute),
		logger:  cfg.Logger,
	}

	s.mux.HandleFunc("/v2/login", s.limited(s.handleLogin))
	s.mux.HandleFunc("/v2/login/create", s.limited(s.handleCreate))
	s.mux.HandleFunc("/v2/login/available", s.handleAvailable)
	s.mux.HandleFunc("/v2/login/password", s.limited(s.handlePassword))
	s.mux.HandleFunc("/v2/login/pin2", s.limited(s.handlePin2))
	s.mux.HandleFunc("/v2/login/recovery2", s.limited(s.handleRecovery2))
	s.mux.HandleFunc("/v2/login/otp", s.limited(s.handleOtp))
	s.mux.HandleFunc("/v2/login/vouchers", s.limited(s.handleVouchers))
	s.mux.HandleFunc("/v2/otp/reset", s.limited(s.handleOtpReset))
	s.mux.HandleFunc("/v2/lobby", s.handleLobbyCreate)
	s.mux.HandleFunc("/v2/lobby/", s.handleLobby)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(getClientIP(r)) {
			writeError(w, http.StatusTooManyRequests, map[string]any{"message": "too many requests"})
			return
		}
		next(w, r)
	}
}

// RequireDeviceApproval toggles voucher enforcement for the account
// owning the given userId. New devices logging in with a key then need
// approval from an existing device.
func (s *Server) RequireDeviceApproval(userID []byte, on bool) bool {
	s.logins.mu.Lock()
	defer s.logins.mu.Unlock()
	rec, ok := s.logins.byUserID[string(userID)]
	if !ok {
		return false
	}
	rec.requireVouchers = on
	return true
}

func lobbyIDFromPath(path string) string {
	id := strings.TrimPrefix(path, "/v2/lobby/")
	if id == path || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
