package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

// LoginWithPassword proves the password to the authority, refreshes the
// cached stash from the returned payload, and unlocks the login tree.
// If the authority is unreachable the login falls back to the cached
// stash alone, so a known device still works offline.
func (s *Session) LoginWithPassword(ctx context.Context, username, password string) (*logintree.LoginTree, error) {
	username = normalize(username)
	uid, err := userID(username)
	if err != nil {
		return nil, err
	}
	pauth, err := passwordAuth(username, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pauth)

	local, _ := s.stashes.ByUsername(username)

	req := authority.LoginRequest{
		UserID:            uid,
		PasswordAuth:      pauth,
		DeviceID:          s.cfg.DeviceID,
		DeviceDescription: s.cfg.DeviceDescription,
	}
	s.attachOtp(&req, local)

	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		var netErr *authority.NetworkError
		if errors.As(err, &netErr) && local != nil {
			return s.passwordLoginOffline(local, username, password)
		}
		return nil, s.refineDenied(ctx, err, uid, local != nil)
	}

	payload, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	merged, err := s.applyAndSave(ctx, local, username, payload, true)
	if err != nil {
		return nil, err
	}

	tree, err := s.unlockWithPassword(merged, username, password)
	if err != nil {
		return nil, err
	}
	s.records.Append("password login " + username)
	return tree, nil
}

// passwordLoginOffline derives everything locally from the cached boxes.
func (s *Session) passwordLoginOffline(root *stash.LoginStash, username, password string) (*logintree.LoginTree, error) {
	tree, err := s.unlockWithPassword(root, username, password)
	if err != nil {
		return nil, err
	}
	s.records.Append("password login (offline) " + username)
	return tree, nil
}

func (s *Session) unlockWithPassword(root *stash.LoginStash, username, password string) (*logintree.LoginTree, error) {
	if root.PasswordBox == nil || root.PasswordKeySnrp == nil {
		return nil, authority.ErrBadFactor
	}
	passwordKey, err := crypto.DeriveKey([]byte(username+password), *root.PasswordKeySnrp, crypto.KeyLen)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(passwordKey)

	loginKey, err := loginKeyFromBox(root.PasswordBox, passwordKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(loginKey)

	return logintree.MakeLoginTree(root, loginKey, s.cfg.AppID)
}

// ChangePassword re-wraps the existing login key under a freshly
// stretched password key and pushes the new boxes to the authority.
// The local stash is only touched after the server accepts the change.
func (s *Session) ChangePassword(ctx context.Context, tree *logintree.LoginTree, newPassword string) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	username := root.Username

	snrp, err := crypto.NewSnrp()
	if err != nil {
		return err
	}
	passwordKey, err := crypto.DeriveKey([]byte(username+newPassword), snrp, crypto.KeyLen)
	if err != nil {
		return err
	}
	defer crypto.Zero(passwordKey)
	pauth, err := passwordAuth(username, newPassword)
	if err != nil {
		return err
	}
	defer crypto.Zero(pauth)

	passwordBox, err := crypto.Encrypt(tree.LoginKey, passwordKey)
	if err != nil {
		return err
	}
	passwordAuthBox, err := crypto.Encrypt(pauth, tree.LoginKey)
	if err != nil {
		return err
	}

	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	body := authority.ChangeRequest{
		LoginRequest: req,
		Data: authority.PasswordPayload{
			PasswordAuth:    pauth,
			PasswordKeySnrp: &snrp,
			PasswordBox:     passwordBox,
			PasswordAuthBox: passwordAuthBox,
		},
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPut, "/v2/login/password", body)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	if _, err := s.applyAndSave(ctx, root, username, payload, false); err != nil {
		return err
	}
	tree.PasswordAuth = append([]byte(nil), pauth...)
	s.records.Append("password change " + username)
	return nil
}

// CheckPassword verifies a password without performing a full login.
func (s *Session) CheckPassword(ctx context.Context, tree *logintree.LoginTree, password string) (bool, error) {
	root, err := s.rootOf(tree)
	if err != nil {
		return false, err
	}
	pauth, err := passwordAuth(root.Username, password)
	if err != nil {
		return false, err
	}
	defer crypto.Zero(pauth)

	if len(tree.PasswordAuth) > 0 {
		return subtle.ConstantTimeCompare(pauth, tree.PasswordAuth) == 1, nil
	}

	req := authority.LoginRequest{UserID: root.UserID, PasswordAuth: pauth, DeviceID: s.cfg.DeviceID}
	s.attachOtp(&req, root)
	_, err = s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, authority.ErrBadFactor) {
		return false, nil
	}
	return false, err
}

// DeletePassword removes the password factor from the account.
func (s *Session) DeletePassword(ctx context.Context, tree *logintree.LoginTree) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodDelete, "/v2/login/password", req)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	if _, err := s.applyAndSave(ctx, root, root.Username, payload, false); err != nil {
		return err
	}
	s.records.Append("password delete " + logName(root))
	return nil
}
