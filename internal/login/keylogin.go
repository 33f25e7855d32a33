package login

import (
	"context"
	"net/http"
	"time"

	"login-core/internal/logintree"
	"login-core/internal/stash"
)

// LoginWithKey unlocks the cached stash directly with a raw login key.
// No network round trip happens on the login path; a background sync is
// kicked off afterwards, and its failures surface on Errors() only.
func (s *Session) LoginWithKey(ctx context.Context, username string, loginKey []byte) (*logintree.LoginTree, error) {
	root, ok := s.stashes.ByUsername(normalize(username))
	if !ok {
		return nil, stash.ErrNotCached
	}
	return s.keyLogin(root, loginKey)
}

// LoginWithKeyByID is the loginId-keyed variant, for anonymous accounts
// that carry no username.
func (s *Session) LoginWithKeyByID(ctx context.Context, loginID, loginKey []byte) (*logintree.LoginTree, error) {
	root, ok := s.stashes.ByLoginID(loginID)
	if !ok {
		return nil, stash.ErrNotCached
	}
	return s.keyLogin(root, loginKey)
}

func (s *Session) keyLogin(root *stash.LoginStash, loginKey []byte) (*logintree.LoginTree, error) {
	tree, err := logintree.MakeLoginTree(root, loginKey, s.cfg.AppID)
	if err != nil {
		return nil, err
	}
	s.records.Append("key login " + logName(root))

	// The proof is captured up front so the sync never touches the tree
	// after handing it to the caller.
	req, err := s.authRequest(root, tree)
	if err == nil {
		req.LoginAuth = append([]byte(nil), req.LoginAuth...)
		req.PasswordAuth = append([]byte(nil), req.PasswordAuth...)
		username := root.Username
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			raw, err := s.client.LoginFetch(syncCtx, http.MethodPost, "/v2/login", req)
			if err != nil {
				s.reportError(err)
				return
			}
			payload, err := parsePayload(raw)
			if err != nil {
				s.reportError(err)
				return
			}
			if _, err := s.applyAndSave(syncCtx, root, username, payload, true); err != nil {
				s.reportError(err)
			}
		}()
	}
	return tree, nil
}
