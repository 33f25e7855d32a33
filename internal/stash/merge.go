package stash

import (
	"bytes"

	"login-core/internal/authority"
	"login-core/internal/crypto"
)

// MergeLoginPayload reconciles a server-returned login payload into the
// locally cached stash tree and returns the merged tree (inputs are not
// mutated). Per-node fields the authority owns always take the server's
// value; device-local fields (username, userId, pin2Key, recovery2Key)
// survive untouched, and lastLogin is the monotonic max of both sides.
//
// Children merge recursively keyed by loginId. A payload always carries
// the full contents of every node it mentions, but it may cover only part
// of the subtree: local children absent from the payload are pruned only
// when complete is true (a full snapshot), never on a targeted update.
// The merge is idempotent.
func MergeLoginPayload(local *LoginStash, payload *authority.LoginPayload, complete bool) *LoginStash {
	if payload == nil {
		return local.Clone()
	}

	out := &LoginStash{}
	if local != nil {
		out = local.Clone()
		out.Children = nil
	}

	out.LoginID = append([]byte(nil), payload.LoginID...)
	out.AppID = payload.AppID
	out.ParentBox = payload.ParentBox
	out.PasswordAuthBox = payload.PasswordAuthBox
	out.PasswordBox = payload.PasswordBox
	out.PasswordKeySnrp = payload.PasswordKeySnrp
	out.Pin2Box = payload.Pin2Box
	out.Pin2KeyBox = payload.Pin2KeyBox
	out.Pin2TextBox = payload.Pin2TextBox
	out.Question2Box = payload.Question2Box
	out.Recovery2Box = payload.Recovery2Box
	out.Recovery2KeyBox = payload.Recovery2KeyBox
	out.LoginAuthBox = payload.LoginAuthBox
	out.KeyBoxes = append([]crypto.Box(nil), payload.KeyBoxes...)
	out.MnemonicBox = payload.MnemonicBox
	out.RootKeyBox = payload.RootKeyBox
	out.SyncKeyBox = payload.SyncKeyBox
	out.UserTextBox = payload.UserTextBox
	out.OtpKey = payload.OtpKey
	out.OtpResetDate = payload.OtpResetDate
	out.OtpTimeout = payload.OtpTimeout
	out.PendingVouchers = append([]authority.Voucher(nil), payload.PendingVouchers...)
	if payload.LastLogin.After(out.LastLogin) {
		out.LastLogin = payload.LastLogin
	}

	// Index the local children so merged subtrees keep their
	// device-local state.
	var localChildren []*LoginStash
	if local != nil {
		localChildren = local.Children
	}

	seen := make(map[string]bool, len(payload.Children))
	for i := range payload.Children {
		child := &payload.Children[i]
		seen[string(child.LoginID)] = true
		out.Children = append(out.Children, MergeLoginPayload(findChild(localChildren, child.LoginID), child, complete))
	}
	if !complete {
		for _, child := range localChildren {
			if !seen[string(child.LoginID)] {
				out.Children = append(out.Children, child.Clone())
			}
		}
	}
	return out
}

func findChild(children []*LoginStash, loginID []byte) *LoginStash {
	for _, child := range children {
		if bytes.Equal(child.LoginID, loginID) {
			return child
		}
	}
	return nil
}

// WirePayload is the inverse projection: it renders a stash subtree in
// wire form. Device-local fields (username, pin2Key, recovery2Key) are
// left out, so the result is safe to hand to another party.
func WirePayload(node *LoginStash) authority.LoginPayload {
	payload := authority.LoginPayload{
		LoginID:         node.LoginID,
		AppID:           node.AppID,
		LastLogin:       node.LastLogin,
		ParentBox:       node.ParentBox,
		PasswordAuthBox: node.PasswordAuthBox,
		PasswordBox:     node.PasswordBox,
		PasswordKeySnrp: node.PasswordKeySnrp,
		Pin2Box:         node.Pin2Box,
		Pin2KeyBox:      node.Pin2KeyBox,
		Pin2TextBox:     node.Pin2TextBox,
		Question2Box:    node.Question2Box,
		Recovery2Box:    node.Recovery2Box,
		Recovery2KeyBox: node.Recovery2KeyBox,
		LoginAuthBox:    node.LoginAuthBox,
		KeyBoxes:        append([]crypto.Box(nil), node.KeyBoxes...),
		MnemonicBox:     node.MnemonicBox,
		RootKeyBox:      node.RootKeyBox,
		SyncKeyBox:      node.SyncKeyBox,
		UserTextBox:     node.UserTextBox,
		OtpKey:          node.OtpKey,
		OtpResetDate:    node.OtpResetDate,
		OtpTimeout:      node.OtpTimeout,
		PendingVouchers: append([]authority.Voucher(nil), node.PendingVouchers...),
	}
	for _, child := range node.Children {
		payload.Children = append(payload.Children, WirePayload(child))
	}
	return payload
}
