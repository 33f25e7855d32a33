package authserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"login-core/internal/authority"
	"login-core/internal/totp"
)

// changeBody is the server-side shape of a factor change: the proof
// fields inline plus the factor payload left raw until the route picks
// its type.
type changeBody struct {
	authority.LoginRequest
	Data json.RawMessage `json:"data"`
}

// authFailure carries a ready-to-send error reply out of authenticate.
type authFailure struct {
	status int
	body   map[string]any
}

// authenticate resolves the proof in a request to a login record. It
// enforces the OTP and voucher gates and registers the device on
// success. The caller holds the store lock.
func (s *Server) authenticate(req *authority.LoginRequest, now time.Time, ip string) (*loginRecord, *authFailure) {
	var rec *loginRecord
	var ok bool
	switch {
	case len(req.LoginID) > 0 && len(req.LoginAuth) > 0:
		if rec = s.logins.byLoginID[string(req.LoginID)]; rec != nil {
			ok = sameSecret(rec.loginAuth, req.LoginAuth)
		}
	case len(req.UserID) > 0 && len(req.PasswordAuth) > 0:
		if rec = s.logins.byUserID[string(req.UserID)]; rec != nil {
			ok = sameSecret(rec.passwordAuth, req.PasswordAuth)
		}
	case len(req.Pin2ID) > 0 && len(req.Pin2Auth) > 0:
		if rec = s.logins.byPin2ID[string(req.Pin2ID)]; rec != nil {
			ok = sameSecret(rec.pin2Auth, req.Pin2Auth)
		}
	case len(req.Recovery2ID) > 0 && len(req.Recovery2Auth) > 0:
		if rec = s.logins.byRecovery2ID[string(req.Recovery2ID)]; rec != nil {
			ok = sameAnswers(rec.recovery2Auth, req.Recovery2Auth)
		}
	default:
		return nil, &authFailure{http.StatusBadRequest, map[string]any{"message": "no login proof"}}
	}
	if rec == nil || !ok {
		return nil, &authFailure{http.StatusUnauthorized, map[string]any{"message": "invalid credentials"}}
	}
	root := rec.root()

	if fail := s.otpGate(root, req.Otp, now); fail != nil {
		return nil, fail
	}
	if len(req.LoginID) > 0 {
		if fail := s.voucherGate(root, req, now, ip); fail != nil {
			return nil, fail
		}
	}

	if req.DeviceID != "" {
		root.devices[req.DeviceID] = true
	}
	rec.lastLogin = now
	root.lastLogin = now
	return rec, nil
}

// sameAnswers requires every answer proof to match, in order, without
// revealing which one missed.
func sameAnswers(want, got [][]byte) bool {
	if len(want) == 0 || len(want) != len(got) {
		return false
	}
	all := true
	for i := range want {
		if !sameSecret(want[i], got[i]) {
			all = false
		}
	}
	return all
}

func (s *Server) otpGate(root *loginRecord, otp string, now time.Time) *authFailure {
	if root.otpKey == "" {
		return nil
	}
	if totp.Verify(otp, root.otpKey, now) {
		return nil
	}
	if root.otpResetDate != nil && now.After(*root.otpResetDate) {
		return nil // the reset grace period has elapsed
	}
	if root.otpResetToken == "" {
		root.otpResetToken = uuid.NewString()
	}
	body := map[string]any{"type": "otp", "otpResetToken": root.otpResetToken}
	if root.otpResetDate != nil {
		body["otpResetDate"] = root.otpResetDate
	}
	return &authFailure{http.StatusUnauthorized, body}
}

// voucherGate holds key logins from unknown devices until an existing
// device approves them or the voucher activates on its own. The request
// IP rides on the voucher so the approving user can judge it.
func (s *Server) voucherGate(root *loginRecord, req *authority.LoginRequest, now time.Time, ip string) *authFailure {
	if !root.requireVouchers || req.DeviceID == "" || root.devices[req.DeviceID] {
		return nil
	}
	var voucher *voucherRecord
	for _, v := range root.vouchers {
		if v.deviceID == req.DeviceID {
			voucher = v
			break
		}
	}
	if voucher == nil {
		voucher = &voucherRecord{
			Voucher: authority.Voucher{
				VoucherID:         uuid.NewString(),
				Status:            authority.VoucherPending,
				Created:           now,
				Activates:         now.Add(s.cfg.VoucherDelay),
				DeviceDescription: req.DeviceDescription,
				IP:                ip,
			},
			deviceID: req.DeviceID,
		}
		root.vouchers[voucher.VoucherID] = voucher
	}
	switch {
	case voucher.Status == authority.VoucherApproved:
		return nil
	case voucher.Status == authority.VoucherPending && now.After(voucher.Activates):
		voucher.Status = authority.VoucherApproved
		return nil
	default:
		return &authFailure{http.StatusUnauthorized, map[string]any{
			"type":             "voucherPending",
			"voucherId":        voucher.VoucherID,
			"voucherActivates": voucher.Activates,
		}}
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authority.LoginRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	now := s.cfg.Now()

	s.logins.mu.Lock()
	defer s.logins.mu.Unlock()

	// Question fetch needs no proof: the recovery2Id alone names the
	// account, and questions are ciphertext anyway.
	if req.QuestionsOnly && len(req.Recovery2ID) > 0 {
		rec := s.logins.byRecovery2ID[string(req.Recovery2ID)]
		if rec == nil {
			denied(w)
			return
		}
		writeResults(w, map[string]any{"question2Box": rec.boxes.Question2Box})
		return
	}

	rec, fail := s.authenticate(&req, now, getClientIP(r))
	if fail != nil {
		writeError(w, fail.status, fail.body)
		return
	}
	writeResults(w, wirePayload(rec.root(), now))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authority.CreatePayload
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	// Anonymous accounts carry no userId and are keyed by loginId alone.
	if len(req.Data.LoginID) == 0 {
		badRequest(w, "loginId is required")
		return
	}

	s.logins.mu.Lock()
	defer s.logins.mu.Unlock()
	taken := s.logins.byLoginID[string(req.Data.LoginID)] != nil
	if len(req.UserID) > 0 && s.logins.byUserID[string(req.UserID)] != nil {
		taken = true
	}
	if taken {
		writeError(w, http.StatusConflict, map[string]any{"message": "account already exists"})
		return
	}

	rec := newRecordFromPayload(&req.Data)
	rec.userID = append([]byte(nil), req.UserID...)
	rec.username = req.Username
	rec.passwordAuth = append([]byte(nil), req.PasswordAuth...)
	rec.loginAuth = append([]byte(nil), req.LoginAuth...)
	rec.lastLogin = s.cfg.Now()
	s.logins.insert(rec)
	var indexTree func(*loginRecord)
	indexTree = func(node *loginRecord) {
		for _, child := range node.children {
			s.logins.index(child)
			indexTree(child)
		}
	}
	indexTree(rec)
	s.logger.Printf("created login %x", rec.loginID[:4])
	writeResults(w, map[string]any{})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID []byte `json:"userId"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	s.logins.mu.Lock()
	_, taken := s.logins.byUserID[string(req.UserID)]
	s.logins.mu.Unlock()
	writeResults(w, map[string]any{"available": !taken})
}

// authChange runs the shared authenticate-then-mutate shape of every
// factor endpoint and replies with the refreshed root payload.
func (s *Server) authChange(w http.ResponseWriter, r *http.Request, mutate func(rec *loginRecord, data json.RawMessage) *authFailure) {
	var body changeBody
	if err := readJSON(r, &body); err != nil {
		badRequest(w, "malformed request")
		return
	}
	now := s.cfg.Now()

	s.logins.mu.Lock()
	defer s.logins.mu.Unlock()
	rec, fail := s.authenticate(&body.LoginRequest, now, getClientIP(r))
	if fail == nil {
		fail = mutate(rec, body.Data)
	}
	if fail != nil {
		writeError(w, fail.status, fail.body)
		return
	}
	writeResults(w, wirePayload(rec.root(), now))
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.authChange(w, r, func(rec *loginRecord, data json.RawMessage) *authFailure {
			var p authority.PasswordPayload
			if err := json.Unmarshal(data, &p); err != nil || len(p.PasswordAuth) == 0 {
				return &authFailure{http.StatusBadRequest, map[string]any{"message": "malformed password payload"}}
			}
			rec.passwordAuth = append([]byte(nil), p.PasswordAuth...)
			rec.boxes.PasswordBox = p.PasswordBox
			rec.boxes.PasswordKeySnrp = p.PasswordKeySnrp
			rec.boxes.PasswordAuthBox = p.PasswordAuthBox
			return nil
		})
	case http.MethodDelete:
		s.authChange(w, r, func(rec *loginRecord, _ json.RawMessage) *authFailure {
			rec.passwordAuth = nil
			rec.boxes.PasswordBox = nil
			rec.boxes.PasswordKeySnrp = nil
			rec.boxes.PasswordAuthBox = nil
			return nil
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePin2(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.authChange(w, r, func(rec *loginRecord, data json.RawMessage) *authFailure {
			var p authority.Pin2Payload
			if err := json.Unmarshal(data, &p); err != nil || len(p.Pin2ID) == 0 || len(p.Pin2Auth) == 0 {
				return &authFailure{http.StatusBadRequest, map[string]any{"message": "malformed pin2 payload"}}
			}
			s.logins.unindexPin2(rec)
			rec.pin2ID = append([]byte(nil), p.Pin2ID...)
			rec.pin2Auth = append([]byte(nil), p.Pin2Auth...)
			rec.boxes.Pin2Box = p.Pin2Box
			rec.boxes.Pin2KeyBox = p.Pin2KeyBox
			rec.boxes.Pin2TextBox = p.Pin2TextBox
			s.logins.index(rec)
			return nil
		})
	case http.MethodDelete:
		s.authChange(w, r, func(rec *loginRecord, _ json.RawMessage) *authFailure {
			s.logins.unindexPin2(rec)
			rec.pin2ID = nil
			rec.pin2Auth = nil
			rec.boxes.Pin2Box = nil
			rec.boxes.Pin2KeyBox = nil
			rec.boxes.Pin2TextBox = nil
			return nil
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecovery2(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.authChange(w, r, func(rec *loginRecord, data json.RawMessage) *authFailure {
			var p authority.Recovery2Payload
			if err := json.Unmarshal(data, &p); err != nil || len(p.Recovery2ID) == 0 || len(p.Recovery2Auth) == 0 {
				return &authFailure{http.StatusBadRequest, map[string]any{"message": "malformed recovery2 payload"}}
			}
			s.logins.unindexRecovery2(rec)
			rec.recovery2ID = append([]byte(nil), p.Recovery2ID...)
			rec.recovery2Auth = p.Recovery2Auth
			rec.boxes.Recovery2Box = p.Recovery2Box
			rec.boxes.Recovery2KeyBox = p.Recovery2KeyBox
			rec.boxes.Question2Box = p.Question2Box
			s.logins.index(rec)
			return nil
		})
	case http.MethodDelete:
		s.authChange(w, r, func(rec *loginRecord, _ json.RawMessage) *authFailure {
			s.logins.unindexRecovery2(rec)
			rec.recovery2ID = nil
			rec.recovery2Auth = nil
			rec.boxes.Recovery2Box = nil
			rec.boxes.Recovery2KeyBox = nil
			rec.boxes.Question2Box = nil
			return nil
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOtp(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.authChange(w, r, func(rec *loginRecord, data json.RawMessage) *authFailure {
			var p authority.OtpPayload
			if err := json.Unmarshal(data, &p); err != nil || p.OtpKey == "" {
				return &authFailure{http.StatusBadRequest, map[string]any{"message": "malformed otp payload"}}
			}
			root := rec.root()
			root.otpKey = p.OtpKey
			root.otpTimeout = p.OtpTimeout
			root.otpResetDate = nil
			root.otpResetToken = ""
			return nil
		})
	case http.MethodDelete:
		s.authChange(w, r, func(rec *loginRecord, _ json.RawMessage) *authFailure {
			root := rec.root()
			root.otpKey = ""
			root.otpTimeout = 0
			root.otpResetDate = nil
			root.otpResetToken = ""
			return nil
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// defaultOtpResetDelay applies when a login enrolled in OTP without
// picking its own grace period.
const defaultOtpResetDelay = 7 * 24 * time.Hour

// handleOtpReset consumes a reset token minted by the OTP gate. The
// reset only lands after the account's grace period elapses, giving the
// owner time to notice and cancel by disabling the token.
func (s *Server) handleOtpReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID        []byte `json:"userId"`
		OtpResetToken string `json:"otpResetToken"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "malformed request")
		return
	}
	now := s.cfg.Now()

	s.logins.mu.Lock()
	defer s.logins.mu.Unlock()
	rec := s.logins.byUserID[string(req.UserID)]
	if rec == nil || rec.otpKey == "" || rec.otpResetToken == "" || rec.otpResetToken != req.OtpResetToken {
		denied(w)
		return
	}
	if rec.otpResetDate == nil {
		delay := time.Duration(rec.otpTimeout) * time.Second
		if delay <= 0 {
			delay = defaultOtpResetDelay
		}
		date := now.Add(delay)
		rec.otpResetDate = &date
	}
	writeResults(w, map[string]any{"otpResetDate": rec.otpResetDate})
}

func (s *Server) handleVouchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.authChange(w, r, func(rec *loginRecord, data json.RawMessage) *authFailure {
		var p authority.ChangeVouchersPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return &authFailure{http.StatusBadRequest, map[string]any{"message": "malformed voucher payload"}}
		}
		root := rec.root()
		for _, id := range p.ApprovedVouchers {
			if v, ok := root.vouchers[id]; ok {
				v.Status = authority.VoucherApproved
				root.devices[v.deviceID] = true
			}
		}
		for _, id := range p.RejectedVouchers {
			if v, ok := root.vouchers[id]; ok {
				v.Status = authority.VoucherRejected
			}
		}
		return nil
	})
}
