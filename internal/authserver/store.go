package authserver

import (
	"sync"
	"time"

	"login-core/internal/authority"
	"login-core/internal/crypto"
)

// loginRecord is the authority's view of one login node: ciphertext
// boxes plus the plaintext verifiers needed to gate access. The server
// can check proofs but can never open a box.
type loginRecord struct {
	loginID []byte
	appID   string

	// Root-only identity.
	userID   []byte
	username string

	passwordAuth  []byte
	loginAuth     []byte
	pin2ID        []byte
	pin2Auth      []byte
	recovery2ID   []byte
	recovery2Auth [][]byte

	otpKey        string
	otpTimeout    int
	otpResetDate  *time.Time
	otpResetToken string

	boxes authority.LoginPayload // box fields only; children live below

	vouchers        map[string]*voucherRecord
	devices         map[string]bool
	requireVouchers bool

	parent    *loginRecord
	children  []*loginRecord
	lastLogin time.Time
}

type voucherRecord struct {
	authority.Voucher
	deviceID string
}

func (rec *loginRecord) root() *loginRecord {
	for rec.parent != nil {
		rec = rec.parent
	}
	return rec
}

// store indexes login records by every identity the protocol can
// present. All access happens under one lock; this authority is a
// reference implementation, not a scale-out service.
type store struct {
	mu            sync.Mutex
	byUserID      map[string]*loginRecord
	byLoginID     map[string]*loginRecord
	byPin2ID      map[string]*loginRecord
	byRecovery2ID map[string]*loginRecord
}

func newStore() *store {
	return &store{
		byUserID:      make(map[string]*loginRecord),
		byLoginID:     make(map[string]*loginRecord),
		byPin2ID:      make(map[string]*loginRecord),
		byRecovery2ID: make(map[string]*loginRecord),
	}
}

// insert registers a new root login. Anonymous roots have no userId
// and are reachable only through byLoginID. The caller holds the lock.
func (st *store) insert(rec *loginRecord) {
	if len(rec.userID) > 0 {
		st.byUserID[string(rec.userID)] = rec
	}
	st.index(rec)
}

// index (re)publishes a record's secondary identities.
func (st *store) index(rec *loginRecord) {
	st.byLoginID[string(rec.loginID)] = rec
	if len(rec.pin2ID) > 0 {
		st.byPin2ID[string(rec.pin2ID)] = rec
	}
	if len(rec.recovery2ID) > 0 {
		st.byRecovery2ID[string(rec.recovery2ID)] = rec
	}
}

func (st *store) unindexPin2(rec *loginRecord) {
	if len(rec.pin2ID) > 0 {
		delete(st.byPin2ID, string(rec.pin2ID))
	}
}

func (st *store) unindexRecovery2(rec *loginRecord) {
	if len(rec.recovery2ID) > 0 {
		delete(st.byRecovery2ID, string(rec.recovery2ID))
	}
}

// wirePayload renders a record subtree in wire form. Pending vouchers
// ride on the node they guard.
func wirePayload(rec *loginRecord, now time.Time) authority.LoginPayload {
	payload := rec.boxes
	payload.LoginID = rec.loginID
	payload.AppID = rec.appID
	payload.LastLogin = rec.lastLogin
	payload.OtpKey = rec.otpKey
	payload.OtpResetDate = rec.otpResetDate
	if rec.otpTimeout > 0 {
		timeout := rec.otpTimeout
		payload.OtpTimeout = &timeout
	}
	payload.PendingVouchers = nil
	for _, v := range rec.vouchers {
		if v.Status == authority.VoucherPending {
			payload.PendingVouchers = append(payload.PendingVouchers, v.Voucher)
		}
	}
	payload.Children = nil
	for _, child := range rec.children {
		payload.Children = append(payload.Children, wirePayload(child, now))
	}
	return payload
}

// newRecordFromPayload builds the record tree for a freshly created
// login. Verifier secrets are attached by the caller.
func newRecordFromPayload(data *authority.LoginPayload) *loginRecord {
	rec := &loginRecord{
		loginID:  append([]byte(nil), data.LoginID...),
		appID:    data.AppID,
		boxes:    *data,
		vouchers: make(map[string]*voucherRecord),
		devices:  make(map[string]bool),
	}
	rec.boxes.Children = nil
	rec.boxes.PendingVouchers = nil
	for i := range data.Children {
		child := newRecordFromPayload(&data.Children[i])
		child.parent = rec
		rec.children = append(rec.children, child)
	}
	return rec
}

func sameSecret(a, b []byte) bool {
	return len(a) > 0 && crypto.ConstantTimeEqual(a, b)
}
