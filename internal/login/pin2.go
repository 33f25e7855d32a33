package login

import (
	"context"
	"errors"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

// pin2ID binds the PIN identity to both the app and the account, so the
// same PIN key yields distinct identities per app login.
func pin2ID(appID, username string, pin2Key []byte) []byte {
	return crypto.HmacSHA256([]byte(appID+"|"+normalize(username)), pin2Key)
}

func pin2Auth(pin string, pin2Key []byte) []byte {
	return crypto.HmacSHA256([]byte(pin), pin2Key)
}

// findPin2Stash locates the node holding a device-local pin2Key for the
// session's app: the node matching the appId itself, or any node when
// the root enabled PIN for the whole account.
func (s *Session) findPin2Stash(username string) (root, node *stash.LoginStash, err error) {
	root, ok := s.stashes.ByUsername(normalize(username))
	if !ok {
		return nil, nil, stash.ErrNotCached
	}
	if node = stash.FindApp(root, s.cfg.AppID); node != nil && len(node.Pin2Key) > 0 {
		return root, node, nil
	}
	node = stash.SearchTree(root, func(n *stash.LoginStash) bool {
		return len(n.Pin2Key) > 0
	})
	if node == nil {
		return nil, nil, ErrPinNotEnabled
	}
	return root, node, nil
}

// LoginWithPin proves the PIN to the authority using the device-local
// pin2Key and unlocks the tree for the session's app. PIN login never
// works on a device that has not stored the pin2Key.
func (s *Session) LoginWithPin(ctx context.Context, username, pin string) (*logintree.LoginTree, error) {
	username = normalize(username)
	root, node, err := s.findPin2Stash(username)
	if err != nil {
		return nil, err
	}

	req := authority.LoginRequest{
		Pin2ID:            pin2ID(node.AppID, username, node.Pin2Key),
		Pin2Auth:          pin2Auth(pin, node.Pin2Key),
		DeviceID:          s.cfg.DeviceID,
		DeviceDescription: s.cfg.DeviceDescription,
	}
	s.attachOtp(&req, root)

	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		return nil, err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	merged, err := s.applyAndSave(ctx, root, username, payload, true)
	if err != nil {
		return nil, err
	}

	// The payload is scoped to the node the pin2Id named; its pin2Box
	// opens with the pin2Key to yield that node's login key.
	target := merged.FindByLoginID(node.LoginID)
	if target == nil || target.Pin2Box == nil {
		return nil, authority.ErrBadFactor
	}
	nodeKey, err := loginKeyFromBox(target.Pin2Box, node.Pin2Key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(nodeKey)

	tree, err := s.unlockFromNode(merged, target, nodeKey)
	if err != nil {
		return nil, err
	}
	s.records.Append("pin login " + username)
	return tree, nil
}

// unlockFromNode builds the session tree when the unlocked key belongs
// to a non-root node: the key opens that node directly, and the view is
// narrowed to the session's app below it.
func (s *Session) unlockFromNode(root, node *stash.LoginStash, nodeKey []byte) (*logintree.LoginTree, error) {
	tree, err := logintree.MakeLoginTree(node, nodeKey, s.cfg.AppID)
	if err != nil {
		return nil, err
	}
	tree.Username = root.Username
	return tree, nil
}

// ChangePinOpts selects what changes. A nil Pin keeps the current PIN;
// a nil EnableLogin keeps the current device-login setting. Setting
// EnableLogin false keeps the PIN usable for local verification while
// removing the device's ability to log in with it.
type ChangePinOpts struct {
	Pin         *string
	EnableLogin *bool
}

// ChangePin installs, rotates, or reconfigures the PIN factor on the
// node the tree was unlocked for.
func (s *Session) ChangePin(ctx context.Context, tree *logintree.LoginTree, opts ChangePinOpts) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	if opts.Pin == nil && opts.EnableLogin == nil {
		return nil
	}

	enable := true
	if opts.EnableLogin != nil {
		enable = *opts.EnableLogin
	}

	pin2Key := tree.Pin2Key
	if len(pin2Key) == 0 {
		if pin2Key, err = crypto.RandomBytes(crypto.KeyLen); err != nil {
			return err
		}
	}

	var pin string
	if opts.Pin != nil {
		pin = *opts.Pin
	} else if tree.Stash.Pin2TextBox != nil {
		text, err := crypto.Decrypt(tree.Stash.Pin2TextBox, tree.LoginKey)
		if err != nil {
			return err
		}
		pin = string(text)
	} else {
		return ErrNoLocalPin
	}

	pin2Box, err := crypto.Encrypt(tree.LoginKey, pin2Key)
	if err != nil {
		return err
	}
	pin2KeyBox, err := crypto.Encrypt(pin2Key, tree.LoginKey)
	if err != nil {
		return err
	}
	pin2TextBox, err := crypto.Encrypt([]byte(pin), tree.LoginKey)
	if err != nil {
		return err
	}

	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	body := authority.ChangeRequest{
		LoginRequest: req,
		Data: authority.Pin2Payload{
			Pin2ID:      pin2ID(tree.AppID, root.Username, pin2Key),
			Pin2Auth:    pin2Auth(pin, pin2Key),
			Pin2Box:     pin2Box,
			Pin2KeyBox:  pin2KeyBox,
			Pin2TextBox: pin2TextBox,
		},
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPut, "/v2/login/pin2", body)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, false)
	if err != nil {
		return err
	}

	// The device-local pin2Key is what makes PIN *login* possible here;
	// local verification via pin2TextBox survives either way.
	if node := merged.FindByLoginID(tree.LoginID); node != nil {
		if enable {
			node.Pin2Key = append([]byte(nil), pin2Key...)
		} else {
			node.Pin2Key = nil
		}
		if err := s.stashes.Save(ctx, merged); err != nil {
			return err
		}
	}
	if enable {
		tree.Pin2Key = append([]byte(nil), pin2Key...)
	} else {
		tree.Pin2Key = nil
	}
	tree.Stash = merged.FindByLoginID(tree.LoginID)
	s.records.Append("pin change " + logName(root))
	return nil
}

// CheckPin verifies a PIN against the locally stored PIN text without
// contacting the authority. It works even when PIN login is disabled.
func (s *Session) CheckPin(tree *logintree.LoginTree, pin string) (bool, error) {
	if tree.Stash == nil || tree.Stash.Pin2TextBox == nil {
		return false, ErrNoLocalPin
	}
	text, err := crypto.Decrypt(tree.Stash.Pin2TextBox, tree.LoginKey)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			return false, ErrNoLocalPin
		}
		return false, err
	}
	defer crypto.Zero(text)
	return string(text) == pin, nil
}

// PinLoginEnabled reports whether this device can log the user in with
// a PIN for the session's app.
func (s *Session) PinLoginEnabled(username string) bool {
	_, _, err := s.findPin2Stash(username)
	return err == nil
}

// DeletePin removes the PIN factor entirely, server and device both.
func (s *Session) DeletePin(ctx context.Context, tree *logintree.LoginTree) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodDelete, "/v2/login/pin2", req)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, false)
	if err != nil {
		return err
	}
	if node := merged.FindByLoginID(tree.LoginID); node != nil && len(node.Pin2Key) > 0 {
		node.Pin2Key = nil
		if err := s.stashes.Save(ctx, merged); err != nil {
			return err
		}
	}
	crypto.Zero(tree.Pin2Key)
	tree.Pin2Key = nil
	tree.Stash = merged.FindByLoginID(tree.LoginID)
	s.records.Append("pin delete " + logName(root))
	return nil
}
