// Package pairing implements edge login: a logged-out device posts an
// ephemeral public key to a server-side lobby, an already-authenticated
// device approves it, and the login key crosses sealed to the ephemeral
// key. The server only ever relays ciphertext.
package pairing

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/login"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

var (
	ErrRejected = errors.New("pairing: edge login rejected by the approving device")
	ErrTimedOut = errors.New("pairing: edge login lobby expired")
	ErrCanceled = errors.New("pairing: edge login canceled")
)

// State of a pending edge login. Terminal states never change again.
type State int

const (
	StateCreated State = iota
	StateWaiting
	StateApproved
	StateRejected
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaiting:
		return "waiting"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed-out"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is delivered exactly once when the pending login reaches a
// terminal state. Tree is set only on approval.
type Result struct {
	Tree *logintree.LoginTree
	Err  error
}

// PendingEdgeLogin is one in-flight pairing request on the logged-out
// device. Cancel may race the approval; whichever transition lands
// first wins and the other becomes a no-op.
type PendingEdgeLogin struct {
	LobbyID string

	session *login.Session
	dh      *crypto.DHKey
	cancel  context.CancelFunc

	mu    sync.Mutex
	state State

	done chan Result
	once sync.Once
}

// Options for RequestEdgeLogin.
type Options struct {
	DeviceDescription string

	// Timeout bounds how long the lobby stays open. Zero means the
	// server default.
	Timeout time.Duration

	// PollInterval paces the status polls. Zero means one per second.
	PollInterval time.Duration
}

// RequestEdgeLogin opens a lobby and starts polling it. The returned
// pending login reports its outcome on Done().
func RequestEdgeLogin(ctx context.Context, s *login.Session, opts Options) (*PendingEdgeLogin, error) {
	dh, err := crypto.NewX25519()
	if err != nil {
		return nil, err
	}

	req := authority.LobbyRequest{
		PublicKey:         dh.Pub.Bytes(),
		AppID:             s.AppID(),
		DeviceDescription: opts.DeviceDescription,
		TimeoutSeconds:    int(opts.Timeout / time.Second),
	}
	raw, err := s.Client().LoginFetch(ctx, http.MethodPost, "/v2/lobby", req)
	if err != nil {
		return nil, err
	}
	var reply authority.LobbyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	if reply.LobbyID == "" {
		return nil, errors.New("pairing: lobby reply missing lobbyId")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p := &PendingEdgeLogin{
		LobbyID: reply.LobbyID,
		session: s,
		dh:      dh,
		cancel:  cancel,
		state:   StateWaiting,
		done:    make(chan Result, 1),
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := opts.Timeout
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	go p.poll(pollCtx, interval, deadline)
	return p, nil
}

// Done delivers the terminal result exactly once.
func (p *PendingEdgeLogin) Done() <-chan Result { return p.done }

// State reports the current lifecycle state.
func (p *PendingEdgeLogin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cancel abandons the request and deletes the lobby. Canceling a login
// that already completed does nothing.
func (p *PendingEdgeLogin) Cancel() {
	if !p.transition(StateCanceled) {
		return
	}
	p.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = p.session.Client().LoginFetch(ctx, http.MethodDelete, "/v2/lobby/"+p.LobbyID, nil)
	p.finish(Result{Err: ErrCanceled})
}

// transition moves to a terminal state; it reports false when another
// terminal transition already won.
func (p *PendingEdgeLogin) transition(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWaiting && p.state != StateCreated {
		return false
	}
	p.state = to
	return true
}

func (p *PendingEdgeLogin) finish(r Result) {
	p.once.Do(func() {
		p.done <- r
		close(p.done)
	})
}

// poll watches the lobby until a terminal state. The limiter paces the
// polls and a small jitter keeps many waiting devices from thundering.
func (p *PendingEdgeLogin) poll(ctx context.Context, interval, timeout time.Duration) {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	expire := time.Now().Add(timeout)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return // canceled; Cancel delivers the result
		}
		if jitter := int64(interval) / 4; jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(jitter)))
		}

		if time.Now().After(expire) {
			if p.transition(StateTimedOut) {
				p.cancel()
				p.finish(Result{Err: ErrTimedOut})
			}
			return
		}

		raw, err := p.session.Client().LoginFetch(ctx, http.MethodGet, "/v2/lobby/"+p.LobbyID, nil)
		if err != nil {
			var netErr *authority.NetworkError
			if errors.As(err, &netErr) {
				continue // transient; keep polling
			}
			if ctx.Err() != nil {
				return
			}
			if p.transition(StateTimedOut) {
				p.finish(Result{Err: err})
			}
			return
		}
		var status authority.LobbyStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			continue
		}

		switch status.Status {
		case authority.LobbyStatusPending:
			continue
		case authority.LobbyStatusRejected:
			if p.transition(StateRejected) {
				p.finish(Result{Err: ErrRejected})
			}
			return
		case authority.LobbyStatusApproved:
			tree, err := p.acceptReply(ctx, &status)
			if err != nil {
				if p.transition(StateRejected) {
					p.finish(Result{Err: err})
				}
				return
			}
			if !p.transition(StateApproved) {
				tree.Close() // Cancel won the race; drop the keys
				return
			}
			p.finish(Result{Tree: tree})
			return
		}
	}
}

// acceptReply opens the approver's sealed answer and turns it into a
// cached, unlocked login.
func (p *PendingEdgeLogin) acceptReply(ctx context.Context, status *authority.LobbyStatus) (*logintree.LoginTree, error) {
	if status.ReplyBox == nil || len(status.ReplyPublicKey) == 0 {
		return nil, errors.New("pairing: approved lobby missing reply")
	}
	peer, err := ecdh.X25519().NewPublicKey(status.ReplyPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.SharedSecret(p.dh.Priv, peer)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)
	key, err := crypto.LobbyKey(secret)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	plain, err := crypto.Decrypt(status.ReplyBox, key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plain)
	var edge authority.EdgeLoginSecret
	if err := json.Unmarshal(plain, &edge); err != nil {
		return nil, err
	}
	defer crypto.Zero(edge.LoginKey)

	root := stash.MergeLoginPayload(nil, &edge.Payload, true)
	root.Username = edge.Username
	if err := p.session.Stashes().Save(ctx, root); err != nil {
		return nil, err
	}
	tree, err := logintree.MakeLoginTree(root, edge.LoginKey, edge.Payload.AppID)
	if err != nil {
		return nil, err
	}
	tree.Username = edge.Username
	return tree, nil
}
