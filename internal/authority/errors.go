package authority

import (
	"errors"
	"fmt"
	"time"
)

// Factor failures are deliberately generic on the wire: the server never
// says whether the user or the credential was wrong. The engine narrows
// them locally when its own cache knows better.
var (
	ErrUserNotFound   = errors.New("authority: account not found")
	ErrBadFactor      = errors.New("authority: invalid credentials")
	ErrVoucherPending = errors.New("authority: device approval pending")
)

// OtpError reports a missing or wrong one-time code on an OTP-enrolled
// login. ResetToken, when present, can start the OTP reset flow.
type OtpError struct {
	ResetToken string
	ResetDate  *time.Time
}

func (e *OtpError) Error() string { return "authority: invalid or missing one-time code" }

// VoucherError is the non-fatal "wait for approval" outcome. It matches
// ErrVoucherPending under errors.Is.
type VoucherError struct {
	VoucherID string
	Activates time.Time
}

func (e *VoucherError) Error() string {
	return fmt.Sprintf("authority: voucher %s pending approval", e.VoucherID)
}

func (e *VoucherError) Is(target error) bool { return target == ErrVoucherPending }

// NetworkError wraps transport failures so callers can decide to retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "authority: network failure: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError carries a non-auth protocol failure from the authority.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("authority: server error %d: %s", e.Code, e.Message)
}
