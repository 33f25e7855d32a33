package stash

import (
	"bytes"
	"time"

	"login-core/internal/authority"
	"login-core/internal/crypto"
)

// LoginStash is one persisted node of the login tree. Everything secret
// is ciphertext; the only plaintext fields are identifiers and the
// device-local factor keys that make offline logins possible.
type LoginStash struct {
	LoginID  []byte `json:"loginId"`
	Username string `json:"username,omitempty"`
	AppID    string `json:"appId"`

	// UserID is the opaque stretched identity used for password logins.
	UserID []byte `json:"userId,omitempty"`

	// ParentBox wraps this node's login key under the parent's login
	// key. Nil only at the tree root.
	ParentBox *crypto.Box `json:"parentBox,omitempty"`

	PasswordAuthBox *crypto.Box  `json:"passwordAuthBox,omitempty"`
	PasswordBox     *crypto.Box  `json:"passwordBox,omitempty"`
	PasswordKeySnrp *crypto.Snrp `json:"passwordKeySnrp,omitempty"`

	// Pin2Key lives in the clear on the device that enabled PIN login;
	// it never travels to the authority. Pin2KeyBox carries the same key
	// to sibling devices under the login key.
	Pin2Key     []byte      `json:"pin2Key,omitempty"`
	Pin2Box     *crypto.Box `json:"pin2Box,omitempty"`
	Pin2KeyBox  *crypto.Box `json:"pin2KeyBox,omitempty"`
	Pin2TextBox *crypto.Box `json:"pin2TextBox,omitempty"`

	Recovery2Key    []byte      `json:"recovery2Key,omitempty"`
	Question2Box    *crypto.Box `json:"question2Box,omitempty"`
	Recovery2Box    *crypto.Box `json:"recovery2Box,omitempty"`
	Recovery2KeyBox *crypto.Box `json:"recovery2KeyBox,omitempty"`

	LoginAuthBox *crypto.Box  `json:"loginAuthBox,omitempty"`
	KeyBoxes     []crypto.Box `json:"keyBoxes,omitempty"`
	MnemonicBox  *crypto.Box  `json:"mnemonicBox,omitempty"`
	RootKeyBox   *crypto.Box  `json:"rootKeyBox,omitempty"`
	SyncKeyBox   *crypto.Box  `json:"syncKeyBox,omitempty"`
	UserTextBox  *crypto.Box  `json:"userTextBox,omitempty"`

	// OtpKey presence means OTP is mandatory on this node.
	OtpKey       string     `json:"otpKey,omitempty"`
	OtpResetDate *time.Time `json:"otpResetDate,omitempty"`
	OtpTimeout   *int       `json:"otpTimeout,omitempty"`

	PendingVouchers []authority.Voucher `json:"pendingVouchers,omitempty"`
	LastLogin       time.Time           `json:"lastLogin"`

	Children []*LoginStash `json:"children,omitempty"`
}

// FindByLoginID locates a node anywhere in this tree by its loginId.
func (s *LoginStash) FindByLoginID(loginID []byte) *LoginStash {
	return SearchTree(s, func(n *LoginStash) bool {
		return bytes.Equal(n.LoginID, loginID)
	})
}

// Clone returns a deep copy so merges never alias persisted state.
func (s *LoginStash) Clone() *LoginStash {
	if s == nil {
		return nil
	}
	out := *s
	out.LoginID = append([]byte(nil), s.LoginID...)
	out.UserID = append([]byte(nil), s.UserID...)
	out.Pin2Key = append([]byte(nil), s.Pin2Key...)
	out.Recovery2Key = append([]byte(nil), s.Recovery2Key...)
	out.KeyBoxes = append([]crypto.Box(nil), s.KeyBoxes...)
	out.PendingVouchers = append([]authority.Voucher(nil), s.PendingVouchers...)
	out.Children = make([]*LoginStash, 0, len(s.Children))
	for _, child := range s.Children {
		out.Children = append(out.Children, child.Clone())
	}
	if len(s.Children) == 0 {
		out.Children = nil
	}
	return &out
}
