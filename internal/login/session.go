// Package login implements the authentication factors and the
// synchronization glue between the cached stash tree and the remote
// authority. One Session corresponds to one device process.
package login

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"login-core/internal/audit"
	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/stash"
	"login-core/internal/storage"
)

type Config struct {
	AppID             string
	AuthServer        string
	DeviceID          string
	DeviceDescription string
	StashDir          string

	// Blobs overrides the default file-backed stash persistence, e.g.
	// with the Mongo store for custodial deployments.
	Blobs storage.BlobStore

	HTTPClient *http.Client
	Logger     *log.Logger
	Now        func() time.Time
}

func (c *Config) setDefaults() {
	if c.StashDir == "" {
		c.StashDir = "./stashes"
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[login] ", log.LstdFlags)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.DeviceID == "" {
		b, err := crypto.RandomBytes(16)
		if err == nil {
			c.DeviceID = hex.EncodeToString(b)
		}
	}
}

// Session owns the stash cache, the authority client, and the side
// channel that carries background-sync failures. Unrelated sessions
// share nothing.
type Session struct {
	cfg     Config
	client  *authority.Client
	stashes *stash.Store
	logger  *log.Logger
	records *audit.Log

	errMu  sync.Mutex
	errCh  chan error
	closed bool

	bg sync.WaitGroup
}

func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	cfg.setDefaults()

	blobs := cfg.Blobs
	if blobs == nil {
		blobs = storage.NewFileBlobStore(cfg.StashDir)
	}
	stashes := stash.NewStore(blobs)
	if err := stashes.LoadAll(ctx); err != nil {
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		client:  authority.NewClient(cfg.AuthServer, cfg.HTTPClient),
		stashes: stashes,
		logger:  cfg.Logger,
		records: audit.New(),
		errCh:   make(chan error, 16),
	}, nil
}

// Errors delivers failures from detached background work (post-login
// sync). Login calls themselves never report through here.
func (s *Session) Errors() <-chan error { return s.errCh }

// Audit exposes the hash-chained record of session events.
func (s *Session) Audit() *audit.Log { return s.records }

// Stashes exposes the cached login trees (read-side).
func (s *Session) Stashes() *stash.Store { return s.stashes }

// Client exposes the authority RPC boundary for collaborating packages.
func (s *Session) Client() *authority.Client { return s.client }

func (s *Session) AppID() string { return s.cfg.AppID }

// Close waits for detached work and shuts the error channel.
func (s *Session) Close() {
	s.bg.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.errCh)
	}
}

func (s *Session) reportError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errCh <- err:
	default:
		s.logger.Printf("dropping background error: %v", err)
	}
}
