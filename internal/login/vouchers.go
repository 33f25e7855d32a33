package login

import (
	"context"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/logintree"
)

// ChangeVoucherStatus approves or rejects pending device vouchers from
// an authenticated login, then refreshes the stash so the voucher list
// reflects the decision.
func (s *Session) ChangeVoucherStatus(ctx context.Context, tree *logintree.LoginTree, approved, rejected []string) error {
	if len(approved) == 0 && len(rejected) == 0 {
		return nil
	}
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	body := authority.ChangeRequest{
		LoginRequest: req,
		Data: authority.ChangeVouchersPayload{
			ApprovedVouchers: approved,
			RejectedVouchers: rejected,
		},
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login/vouchers", body)
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
	s.records.Append("voucher update " + logName(root))
	return nil
}

// PendingVouchers lists the device-approval requests waiting on this
// account, per the cached stash.
func (s *Session) PendingVouchers(tree *logintree.LoginTree) []authority.Voucher {
	root, err := s.rootOf(tree)
	if err != nil {
		return nil
	}
	return append([]authority.Voucher(nil), root.PendingVouchers...)
}
