package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

var (
	// ErrPinNotEnabled means no node in the tree enables PIN login for
	// the requested app on this device.
	ErrPinNotEnabled = errors.New("login: PIN login is not enabled for this account on this device")

	// ErrNoLocalPin means the device holds no PIN text to check against.
	ErrNoLocalPin = errors.New("login: no PIN set locally for this account")

	// ErrRecoveryAnswer covers wrong answer count, content, or order.
	ErrRecoveryAnswer = errors.New("login: recovery answers rejected")

	// ErrUsernameRequired rejects factors whose identity derivation
	// embeds a username on an anonymous account.
	ErrUsernameRequired = errors.New("login: this factor requires a username")
)

// normalize folds a username the way the protocol expects before any
// key stretching, so every device derives the same identity.
func normalize(username string) string {
	return strings.ToLower(strings.Join(strings.Fields(username), " "))
}

func userID(username string) ([]byte, error) {
	return crypto.DeriveKey([]byte(normalize(username)), crypto.UserIDSnrp(), crypto.KeyLen)
}

func passwordAuth(username, password string) ([]byte, error) {
	return crypto.DeriveKey([]byte(normalize(username)+password), crypto.UserIDSnrp(), crypto.KeyLen)
}

// refineDenied distinguishes an unknown account from a bad factor using
// only what this device can learn on its own: the authority's denial
// stays generic, but when nothing is cached locally and the name is
// reported unclaimed, the account simply does not exist.
func (s *Session) refineDenied(ctx context.Context, err error, uid []byte, cached bool) error {
	if cached || !errors.Is(err, authority.ErrBadFactor) {
		return err
	}
	if available, aerr := s.client.UsernameAvailable(ctx, uid); aerr == nil && available {
		return authority.ErrUserNotFound
	}
	return err
}

// rootOf finds the cached root stash containing the given login node.
func (s *Session) rootOf(tree *logintree.LoginTree) (*stash.LoginStash, error) {
	if tree.Username != "" {
		if root, ok := s.stashes.ByUsername(tree.Username); ok {
			return root, nil
		}
	}
	for _, root := range s.stashes.List() {
		if root.FindByLoginID(tree.LoginID) != nil {
			return root, nil
		}
	}
	return nil, stash.ErrNotCached
}

// authRequest assembles the proof fields for an operation performed
// from an already-authenticated login. Key-based proof wins when
// available; password proof is the fallback.
func (s *Session) authRequest(root *stash.LoginStash, tree *logintree.LoginTree) (authority.LoginRequest, error) {
	req := authority.LoginRequest{
		DeviceID:          s.cfg.DeviceID,
		DeviceDescription: s.cfg.DeviceDescription,
	}
	switch {
	case len(tree.LoginAuth) > 0:
		req.LoginID = tree.LoginID
		req.LoginAuth = tree.LoginAuth
	case len(tree.PasswordAuth) > 0 && len(root.UserID) > 0:
		req.UserID = root.UserID
		req.PasswordAuth = tree.PasswordAuth
	default:
		return req, errors.New("login: no usable proof for authenticated request")
	}
	s.attachOtp(&req, root)
	return req, nil
}

func (s *Session) attachOtp(req *authority.LoginRequest, root *stash.LoginStash) {
	if root != nil && root.OtpKey != "" {
		req.Otp = ComputeOtp(root.OtpKey, s.cfg.Now())
	}
}

// applyAndSave merges a server payload into the cached stash under the
// store's per-root write lock and returns the merged tree.
func (s *Session) applyAndSave(ctx context.Context, local *stash.LoginStash, username string, payload *authority.LoginPayload, complete bool) (*stash.LoginStash, error) {
	merged := stash.MergeLoginPayload(local, payload, complete)
	if merged.Username == "" && username != "" {
		merged.Username = username
	}
	if len(merged.UserID) == 0 && merged.Username != "" {
		uid, err := userID(merged.Username)
		if err != nil {
			return nil, err
		}
		merged.UserID = uid
	}
	if now := s.cfg.Now(); now.After(merged.LastLogin) {
		merged.LastLogin = now
	}
	if err := s.stashes.Save(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func parsePayload(raw json.RawMessage) (*authority.LoginPayload, error) {
	var payload authority.LoginPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("login: malformed login payload: %w", err)
	}
	if len(payload.LoginID) == 0 {
		return nil, errors.New("login: login payload missing loginId")
	}
	return &payload, nil
}

// SyncLogin fetches the authoritative payload for an existing login and
// reconciles it into the cached stash. The fetched payload is a full
// snapshot, so stale local children are pruned.
func (s *Session) SyncLogin(ctx context.Context, tree *logintree.LoginTree) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	if _, err := s.applyAndSave(ctx, root, root.Username, payload, true); err != nil {
		return err
	}
	s.records.Append("sync " + logName(root))
	return nil
}

// UsernameAvailable reports whether an account name is unclaimed.
func (s *Session) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	uid, err := userID(username)
	if err != nil {
		return false, err
	}
	return s.client.UsernameAvailable(ctx, uid)
}

// loginKeyFromBox narrows box failures on a factor path to the generic
// credential error so callers cannot probe which part failed.
func loginKeyFromBox(box *crypto.Box, factorKey []byte) ([]byte, error) {
	if box == nil {
		return nil, authority.ErrBadFactor
	}
	loginKey, err := crypto.Decrypt(box, factorKey)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			return nil, authority.ErrBadFactor
		}
		return nil, err
	}
	return loginKey, nil
}

func logName(root *stash.LoginStash) string {
	if root.Username != "" {
		return root.Username
	}
	return fmt.Sprintf("loginId:%x", root.LoginID[:4])
}
