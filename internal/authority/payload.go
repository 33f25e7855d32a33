package authority

import (
	"time"

	"login-core/internal/crypto"
)

// Voucher is a pending device-approval request recorded by the authority
// when an unrecognized device attempts a key-based login.
type Voucher struct {
	VoucherID         string    `json:"voucherId"`
	Status            string    `json:"status"` // pending | approved | rejected
	Activates         time.Time `json:"activates"`
	Created           time.Time `json:"created"`
	DeviceDescription string    `json:"deviceDescription,omitempty"`
	IP                string    `json:"ip,omitempty"`
	IPDescription     string    `json:"ipDescription,omitempty"`
}

const (
	VoucherPending  = "pending"
	VoucherApproved = "approved"
	VoucherRejected = "rejected"
)

// LoginRequest is the body of every /v2/login call. Exactly one identity
// pair is set, per factor; Otp rides along for enrolled logins.
type LoginRequest struct {
	UserID        []byte   `json:"userId,omitempty"`
	PasswordAuth  []byte   `json:"passwordAuth,omitempty"`
	Pin2ID        []byte   `json:"pin2Id,omitempty"`
	Pin2Auth      []byte   `json:"pin2Auth,omitempty"`
	Recovery2ID   []byte   `json:"recovery2Id,omitempty"`
	Recovery2Auth [][]byte `json:"recovery2Auth,omitempty"`
	LoginID       []byte   `json:"loginId,omitempty"`
	LoginAuth     []byte   `json:"loginAuth,omitempty"`

	Otp               string `json:"otp,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	DeviceDescription string `json:"deviceDescription,omitempty"`
	QuestionsOnly     bool   `json:"questionsOnly,omitempty"`
}

// LoginPayload mirrors the ciphertext fields of one stash node as the
// authority stores them. Local-only fields (username, pin2Key,
// recovery2Key) never appear here.
type LoginPayload struct {
	LoginID   []byte    `json:"loginId"`
	AppID     string    `json:"appId"`
	LastLogin time.Time `json:"lastLogin"`

	ParentBox       *crypto.Box  `json:"parentBox,omitempty"`
	PasswordAuthBox *crypto.Box  `json:"passwordAuthBox,omitempty"`
	PasswordBox     *crypto.Box  `json:"passwordBox,omitempty"`
	PasswordKeySnrp *crypto.Snrp `json:"passwordKeySnrp,omitempty"`

	Pin2Box     *crypto.Box `json:"pin2Box,omitempty"`
	Pin2KeyBox  *crypto.Box `json:"pin2KeyBox,omitempty"`
	Pin2TextBox *crypto.Box `json:"pin2TextBox,omitempty"`

	Question2Box    *crypto.Box `json:"question2Box,omitempty"`
	Recovery2Box    *crypto.Box `json:"recovery2Box,omitempty"`
	Recovery2KeyBox *crypto.Box `json:"recovery2KeyBox,omitempty"`

	LoginAuthBox *crypto.Box  `json:"loginAuthBox,omitempty"`
	KeyBoxes     []crypto.Box `json:"keyBoxes,omitempty"`
	MnemonicBox  *crypto.Box  `json:"mnemonicBox,omitempty"`
	RootKeyBox   *crypto.Box  `json:"rootKeyBox,omitempty"`
	SyncKeyBox   *crypto.Box  `json:"syncKeyBox,omitempty"`
	UserTextBox  *crypto.Box  `json:"userTextBox,omitempty"`

	OtpKey       string     `json:"otpKey,omitempty"`
	OtpResetDate *time.Time `json:"otpResetDate,omitempty"`
	OtpTimeout   *int       `json:"otpTimeout,omitempty"`

	PendingVouchers []Voucher      `json:"pendingVouchers,omitempty"`
	Children        []LoginPayload `json:"children,omitempty"`
}

// CreatePayload is the body of POST /v2/login/create. PasswordAuth and
// LoginAuth are the server-side verifiers for the new login's factors;
// the boxes inside Data carry the matching client-side secrets.
type CreatePayload struct {
	UserID       []byte       `json:"userId,omitempty"`
	Username     string       `json:"username,omitempty"`
	PasswordAuth []byte       `json:"passwordAuth,omitempty"`
	LoginAuth    []byte       `json:"loginAuth,omitempty"`
	Data         LoginPayload `json:"data"`
}

// ChangeRequest authenticates a factor setup/change/delete; Data holds
// the factor-specific payload being installed.
type ChangeRequest struct {
	LoginRequest
	Data interface{} `json:"data,omitempty"`
}

// PasswordPayload installs or replaces the password factor. The boxes
// re-wrap the existing login key; the login key itself never changes.
type PasswordPayload struct {
	PasswordAuth    []byte       `json:"passwordAuth"`
	PasswordKeySnrp *crypto.Snrp `json:"passwordKeySnrp"`
	PasswordBox     *crypto.Box  `json:"passwordBox"`
	PasswordAuthBox *crypto.Box  `json:"passwordAuthBox"`
}

// Pin2Payload installs or replaces the PIN factor.
type Pin2Payload struct {
	Pin2ID      []byte      `json:"pin2Id"`
	Pin2Auth    []byte      `json:"pin2Auth"`
	Pin2Box     *crypto.Box `json:"pin2Box"`
	Pin2KeyBox  *crypto.Box `json:"pin2KeyBox"`
	Pin2TextBox *crypto.Box `json:"pin2TextBox,omitempty"`
}

// Recovery2Payload installs or replaces the recovery-question factor.
type Recovery2Payload struct {
	Recovery2ID     []byte      `json:"recovery2Id"`
	Recovery2Auth   [][]byte    `json:"recovery2Auth"`
	Recovery2Box    *crypto.Box `json:"recovery2Box"`
	Recovery2KeyBox *crypto.Box `json:"recovery2KeyBox"`
	Question2Box    *crypto.Box `json:"question2Box"`
}

// OtpPayload enrolls a login in OTP.
type OtpPayload struct {
	OtpKey     string `json:"otpKey"`
	OtpTimeout int    `json:"otpTimeout"`
}

// ChangeVouchersPayload lists voucher decisions made from an
// authenticated login.
type ChangeVouchersPayload struct {
	ApprovedVouchers []string `json:"approvedVouchers,omitempty"`
	RejectedVouchers []string `json:"rejectedVouchers,omitempty"`
}

// Lobby wire types for the edge-login pairing flow.

type LobbyRequest struct {
	PublicKey         []byte `json:"publicKey"`
	AppID             string `json:"appId"`
	DeviceDescription string `json:"deviceDescription,omitempty"`
	TimeoutSeconds    int    `json:"timeout,omitempty"`
}

type LobbyReply struct {
	LobbyID string `json:"lobbyId"`
}

const (
	LobbyStatusPending  = "pending"
	LobbyStatusApproved = "approved"
	LobbyStatusRejected = "rejected"
)

type LobbyStatus struct {
	Status            string      `json:"status"`
	PublicKey         []byte      `json:"publicKey,omitempty"`
	AppID             string      `json:"appId,omitempty"`
	DeviceDescription string      `json:"deviceDescription,omitempty"`
	ReplyPublicKey    []byte      `json:"replyPublicKey,omitempty"`
	ReplyBox          *crypto.Box `json:"replyBox,omitempty"`
}

// LobbyAnswer is what an approving device PUTs back into the lobby: the
// target login key and payload, sealed to the requester's ephemeral key.
type LobbyAnswer struct {
	Approve        bool        `json:"approve"`
	ReplyPublicKey []byte      `json:"replyPublicKey,omitempty"`
	ReplyBox       *crypto.Box `json:"replyBox,omitempty"`
}

// EdgeLoginSecret is the plaintext inside a lobby reply box.
type EdgeLoginSecret struct {
	LoginKey []byte       `json:"loginKey"`
	Username string       `json:"username,omitempty"`
	Payload  LoginPayload `json:"payload"`
}
