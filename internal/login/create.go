package login

import (
	"context"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

// CreateAccountOpts carries the optional initial factors. A nil
// Password creates a key-only account; a nil Pin skips PIN setup.
type CreateAccountOpts struct {
	Password *string
	Pin      *string
}

// CreateAccount registers a new root login with the authority, seeds
// the local stash, and returns the unlocked tree. The fresh login key
// also wraps a loginAuth secret so the device can authenticate without
// the password from the start.
//
// An empty username creates an anonymous account: it has no userId on
// the authority, is keyed by loginId everywhere, and can only carry
// factors that do not embed a username (the raw key).
func (s *Session) CreateAccount(ctx context.Context, username string, opts CreateAccountOpts) (*logintree.LoginTree, error) {
	username = normalize(username)
	var uid []byte
	if username != "" {
		var err error
		if uid, err = userID(username); err != nil {
			return nil, err
		}
	} else if opts.Password != nil || opts.Pin != nil {
		return nil, ErrUsernameRequired
	}

	loginKey, err := crypto.RandomBytes(crypto.KeyLen)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(loginKey)
	loginID, err := crypto.RandomBytes(crypto.KeyLen)
	if err != nil {
		return nil, err
	}
	loginAuth, err := crypto.RandomBytes(crypto.KeyLen)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(loginAuth)
	syncKey, err := crypto.RandomBytes(crypto.KeyLen)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(syncKey)

	loginAuthBox, err := crypto.Encrypt(loginAuth, loginKey)
	if err != nil {
		return nil, err
	}
	syncKeyBox, err := crypto.Encrypt(syncKey, loginKey)
	if err != nil {
		return nil, err
	}

	data := authority.LoginPayload{
		LoginID:      loginID,
		AppID:        "",
		LoginAuthBox: loginAuthBox,
		SyncKeyBox:   syncKeyBox,
	}
	create := authority.CreatePayload{
		UserID:    uid,
		Username:  username,
		LoginAuth: loginAuth,
	}

	if opts.Password != nil {
		snrp, err := crypto.NewSnrp()
		if err != nil {
			return nil, err
		}
		passwordKey, err := crypto.DeriveKey([]byte(username+*opts.Password), snrp, crypto.KeyLen)
		if err != nil {
			return nil, err
		}
		pauth, err := passwordAuth(username, *opts.Password)
		if err != nil {
			crypto.Zero(passwordKey)
			return nil, err
		}
		data.PasswordKeySnrp = &snrp
		if data.PasswordBox, err = crypto.Encrypt(loginKey, passwordKey); err != nil {
			crypto.Zero(passwordKey)
			crypto.Zero(pauth)
			return nil, err
		}
		crypto.Zero(passwordKey)
		if data.PasswordAuthBox, err = crypto.Encrypt(pauth, loginKey); err != nil {
			crypto.Zero(pauth)
			return nil, err
		}
		create.PasswordAuth = pauth
		defer crypto.Zero(pauth)
	}

	create.Data = data
	if _, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login/create", create); err != nil {
		return nil, err
	}

	// Seed the stash from what we just registered; the authority holds
	// the same ciphertext.
	root := stash.MergeLoginPayload(nil, &data, true)
	root.Username = username
	root.UserID = uid
	root.LastLogin = s.cfg.Now()
	if err := s.stashes.Save(ctx, root); err != nil {
		return nil, err
	}

	tree, err := logintree.MakeLoginTree(root, loginKey, s.cfg.AppID)
	if err != nil {
		return nil, err
	}

	// PIN setup is a regular factor change on the new login.
	if opts.Pin != nil {
		if err := s.ChangePin(ctx, tree, ChangePinOpts{Pin: opts.Pin}); err != nil {
			tree.Close()
			return nil, err
		}
	}
	s.records.Append("create account " + logName(root))
	return tree, nil
}
