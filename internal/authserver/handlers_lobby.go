package authserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"login-core/internal/authority"
)

// lobbyRecord is one pairing rendezvous. The server sees two public
// keys and one sealed box; nothing here can open the reply.
type lobbyRecord struct {
	request authority.LobbyRequest
	status  string
	answer  authority.LobbyAnswer
	expires time.Time
}

type lobbyStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*lobbyRecord
}

func newLobbyStore(now func() time.Time) *lobbyStore {
	return &lobbyStore{now: now, entries: make(map[string]*lobbyRecord)}
}

// sweep drops expired lobbies. The caller holds the lock.
func (ls *lobbyStore) sweep() {
	now := ls.now()
	for id, rec := range ls.entries {
		if now.After(rec.expires) {
			delete(ls.entries, id)
		}
	}
}

const (
	defaultLobbyTimeout = 5 * time.Minute
	maxLobbyTimeout     = 15 * time.Minute
)

func (s *Server) handleLobbyCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authority.LobbyRequest
	if err := readJSON(r, &req); err != nil || len(req.PublicKey) == 0 {
		badRequest(w, "malformed lobby request")
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultLobbyTimeout
	}
	if timeout > maxLobbyTimeout {
		timeout = maxLobbyTimeout
	}

	s.lobbies.mu.Lock()
	defer s.lobbies.mu.Unlock()
	s.lobbies.sweep()
	id := uuid.NewString()
	s.lobbies.entries[id] = &lobbyRecord{
		request: req,
		status:  authority.LobbyStatusPending,
		expires: s.lobbies.now().Add(timeout),
	}
	writeResults(w, authority.LobbyReply{LobbyID: id})
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	id := lobbyIDFromPath(r.URL.Path)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	s.lobbies.mu.Lock()
	defer s.lobbies.mu.Unlock()
	s.lobbies.sweep()
	rec := s.lobbies.entries[id]

	switch r.Method {
	case http.MethodGet:
		if rec == nil {
			writeError(w, http.StatusNotFound, map[string]any{"message": "no such lobby"})
			return
		}
		status := authority.LobbyStatus{
			Status:            rec.status,
			AppID:             rec.request.AppID,
			DeviceDescription: rec.request.DeviceDescription,
			PublicKey:         rec.request.PublicKey,
		}
		if rec.status == authority.LobbyStatusApproved {
			status.ReplyPublicKey = rec.answer.ReplyPublicKey
			status.ReplyBox = rec.answer.ReplyBox
		}
		writeResults(w, status)

	case http.MethodPut:
		if rec == nil {
			writeError(w, http.StatusNotFound, map[string]any{"message": "no such lobby"})
			return
		}
		if rec.status != authority.LobbyStatusPending {
			writeError(w, http.StatusConflict, map[string]any{"message": "lobby already answered"})
			return
		}
		var answer authority.LobbyAnswer
		if err := readJSON(r, &answer); err != nil {
			badRequest(w, "malformed lobby answer")
			return
		}
		if answer.Approve {
			if answer.ReplyBox == nil || len(answer.ReplyPublicKey) == 0 {
				badRequest(w, "approval must carry a sealed reply")
				return
			}
			rec.status = authority.LobbyStatusApproved
			rec.answer = answer
		} else {
			rec.status = authority.LobbyStatusRejected
		}
		writeResults(w, map[string]any{})

	case http.MethodDelete:
		delete(s.lobbies.entries, id)
		writeResults(w, map[string]any{})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
