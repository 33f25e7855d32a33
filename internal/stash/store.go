package stash

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"login-core/internal/crypto"
	"login-core/internal/storage"
)

var ErrNotCached = errors.New("stash: no cached login")

// Store keeps the flat cache of root stashes, one per device-known user.
// Reads come from an in-memory map replaced atomically; writes are
// serialized per root so concurrent sync and factor-change operations
// cannot interleave partial states.
type Store struct {
	blobs storage.BlobStore

	mu    sync.RWMutex
	roots map[string]*LoginStash // keyed by blob id

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewStore(blobs storage.BlobStore) *Store {
	return &Store{
		blobs: blobs,
		roots: make(map[string]*LoginStash),
		locks: make(map[string]*sync.Mutex),
	}
}

// LoadAll rebuilds the cache from persistent storage. Corrupt entries
// are skipped rather than taking every account down with them.
func (s *Store) LoadAll(ctx context.Context) error {
	ids, err := s.blobs.List(ctx)
	if err != nil {
		return fmt.Errorf("stash: listing cache: %w", err)
	}
	roots := make(map[string]*LoginStash, len(ids))
	for _, id := range ids {
		raw, err := s.blobs.Get(ctx, id)
		if err != nil {
			continue
		}
		var root LoginStash
		if err := json.Unmarshal(raw, &root); err != nil {
			continue
		}
		roots[id] = &root
	}
	s.mu.Lock()
	s.roots = roots
	s.mu.Unlock()
	return nil
}

// List returns every cached root stash.
func (s *Store) List() []*LoginStash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LoginStash, 0, len(s.roots))
	for _, root := range s.roots {
		out = append(out, root)
	}
	return out
}

func (s *Store) ByUsername(username string) (*LoginStash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if root.Username == username {
			return root, true
		}
	}
	return nil, false
}

func (s *Store) ByLoginID(loginID []byte) (*LoginStash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if bytes.Equal(root.LoginID, loginID) {
			return root, true
		}
	}
	return nil, false
}

func (s *Store) ByUserID(userID []byte) (*LoginStash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if bytes.Equal(root.UserID, userID) {
			return root, true
		}
	}
	return nil, false
}

// ByPin2ID resolves the stash whose PIN identity for the given appId
// matches. Only root stashes are scanned; children are namespaced by
// appId, not globally indexed.
func (s *Store) ByPin2ID(appID string, pin2ID []byte) (*LoginStash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if root.Username == "" {
			continue
		}
		node := SearchTree(root, func(n *LoginStash) bool {
			return n.AppID == appID && len(n.Pin2Key) > 0
		})
		if node == nil {
			continue
		}
		id := crypto.HmacSHA256([]byte(appID+"|"+root.Username), node.Pin2Key)
		if bytes.Equal(id, pin2ID) {
			return root, true
		}
	}
	return nil, false
}

func (s *Store) ByRecovery2ID(recovery2ID []byte) (*LoginStash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if root.Username == "" || len(root.Recovery2Key) == 0 {
			continue
		}
		id := crypto.HmacSHA256([]byte(root.Username), root.Recovery2Key)
		if bytes.Equal(id, recovery2ID) {
			return root, true
		}
	}
	return nil, false
}

// Save persists one root stash atomically and publishes it to readers.
func (s *Store) Save(ctx context.Context, root *LoginStash) error {
	if root == nil || len(root.LoginID) == 0 {
		return errors.New("stash: root missing loginId")
	}
	id := blobID(root)

	lock := s.rootLock(id)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(root)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, id, raw); err != nil {
		return fmt.Errorf("stash: persisting %s: %w", id, err)
	}

	s.mu.Lock()
	s.roots[id] = root
	s.mu.Unlock()
	return nil
}

// Delete forgets a root stash by loginId.
func (s *Store) Delete(ctx context.Context, loginID []byte) error {
	root, ok := s.ByLoginID(loginID)
	if !ok {
		return nil
	}
	id := blobID(root)

	lock := s.rootLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.blobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("stash: deleting %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.roots, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) rootLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock := s.locks[id]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// blobID names the stash file deterministically from the root identity:
// usernames hash to a stable name, username-less accounts fall back to
// the loginId.
func blobID(root *LoginStash) string {
	if root.Username != "" {
		sum := sha256.Sum256([]byte(root.Username))
		return "u." + hex.EncodeToString(sum[:16])
	}
	return "i." + base64.RawURLEncoding.EncodeToString(root.LoginID)
}
