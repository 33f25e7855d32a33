package login

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"login-core/internal/authority"
	"login-core/internal/logintree"
	"login-core/internal/totp"
)

// ComputeOtp returns the current one-time code for an enrolled login.
func ComputeOtp(otpKey string, when time.Time) string {
	return totp.Compute(otpKey, when)
}

// EnableOtp enrolls the account in OTP. The key is generated locally,
// registered with the authority, and cached in the stash so this device
// can answer future challenges automatically. timeout is the grace
// period, in seconds, an OTP reset request must wait before it lands.
func (s *Session) EnableOtp(ctx context.Context, tree *logintree.LoginTree, timeout int) (string, error) {
	root, err := s.rootOf(tree)
	if err != nil {
		return "", err
	}
	otpKey := root.OtpKey
	if otpKey == "" {
		if otpKey, err = totp.GenerateKey(); err != nil {
			return "", err
		}
	}

	req, err := s.authRequest(root, tree)
	if err != nil {
		return "", err
	}
	body := authority.ChangeRequest{
		LoginRequest: req,
		Data:         authority.OtpPayload{OtpKey: otpKey, OtpTimeout: timeout},
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPut, "/v2/login/otp", body)
	if err != nil {
		return "", err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return "", err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, false)
	if err != nil {
		return "", err
	}
	tree.OtpKey = merged.OtpKey
	s.records.Append("otp enable " + logName(root))
	return otpKey, nil
}

// DisableOtp removes OTP from the account and forgets the local key.
func (s *Session) DisableOtp(ctx context.Context, tree *logintree.LoginTree) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodDelete, "/v2/login/otp", req)
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
	tree.OtpKey = ""
	s.records.Append("otp disable " + logName(root))
	return nil
}

// RequestOtpReset starts the OTP reset countdown for a locked-out
// account, using the token carried by a previous OtpError. The reset
// lands only after the account's grace period, so the owner can still
// react to a takeover attempt. Returns the date the reset takes effect.
func (s *Session) RequestOtpReset(ctx context.Context, username, resetToken string) (time.Time, error) {
	uid, err := userID(username)
	if err != nil {
		return time.Time{}, err
	}
	body := map[string]any{"userId": uid, "otpResetToken": resetToken}
	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/otp/reset", body)
	if err != nil {
		return time.Time{}, err
	}
	var results struct {
		OtpResetDate time.Time `json:"otpResetDate"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return time.Time{}, fmt.Errorf("login: malformed otp reset reply: %w", err)
	}

	// Remember the pending reset if this device caches the account.
	if root, ok := s.stashes.ByUsername(normalize(username)); ok {
		updated := root.Clone()
		date := results.OtpResetDate
		updated.OtpResetDate = &date
		if err := s.stashes.Save(ctx, updated); err != nil {
			return time.Time{}, err
		}
	}
	s.records.Append("otp reset requested " + normalize(username))
	return results.OtpResetDate, nil
}

// RepairOtp restores the OTP secret on a device that lost or
// desynchronized it. The supplied key answers one challenge against the
// authority; only an accepted answer touches the cached stash.
func (s *Session) RepairOtp(ctx context.Context, tree *logintree.LoginTree, otpKey string) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	req.Otp = ComputeOtp(otpKey, s.cfg.Now())

	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, true)
	if err != nil {
		return err
	}
	tree.OtpKey = merged.OtpKey
	s.records.Append("otp repair " + logName(root))
	return nil
}

// OtpProvisionURI renders the enrollment URI for an authenticator app.
func (s *Session) OtpProvisionURI(tree *logintree.LoginTree, issuer string) string {
	if tree.OtpKey == "" {
		return ""
	}
	return totp.ProvisionURI(tree.Username, issuer, tree.OtpKey)
}
