package login_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"login-core/internal/authority"
	"login-core/internal/authserver"
	"login-core/internal/crypto"
	"login-core/internal/login"
)

func strPtr(s string) *string { return &s }

func newAuthority(t *testing.T) (*authserver.Server, *httptest.Server) {
	t.Helper()
	srv := authserver.NewServer(authserver.Config{
		Logger:       log.New(io.Discard, "", 0),
		LoginRate:    rate.Limit(10000),
		LoginBurst:   10000,
		VoucherDelay: time.Hour,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newSession(t *testing.T, serverURL, stashDir, deviceID string) *login.Session {
	t.Helper()
	s, err := login.NewSession(context.Background(), login.Config{
		AuthServer: serverURL,
		StashDir:   stashDir,
		DeviceID:   deviceID,
		Logger:     log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestCreateAndPasswordLogin(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	dir := t.TempDir()

	s := newSession(t, ts.URL, dir, "device-a")
	defer s.Close()

	tree, err := s.CreateAccount(ctx, "Alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tree.Close()

	// Usernames fold before deriving anything, so " ALICE " is alice.
	tree, err = s.LoginWithPassword(ctx, " ALICE ", "p@ss1234")
	if err != nil {
		t.Fatalf("LoginWithPassword: %v", err)
	}
	defer tree.Close()
	if tree.Username != "alice" {
		t.Fatalf("username = %q", tree.Username)
	}

	ok, err := s.CheckPassword(ctx, tree, "p@ss1234")
	if err != nil || !ok {
		t.Fatalf("CheckPassword(correct) = %v, %v", ok, err)
	}
	ok, err = s.CheckPassword(ctx, tree, "wrong")
	if err != nil || ok {
		t.Fatalf("CheckPassword(wrong) = %v, %v", ok, err)
	}

	if _, err := s.LoginWithPassword(ctx, "alice", "wrong"); !errors.Is(err, authority.ErrBadFactor) {
		t.Fatalf("wrong password: err = %v, want ErrBadFactor", err)
	}
	// The server's denial stays generic; the client refines it from the
	// availability check.
	if _, err := s.LoginWithPassword(ctx, "nobody", "p@ss1234"); !errors.Is(err, authority.ErrUserNotFound) {
		t.Fatalf("unknown user: err = %v, want ErrUserNotFound", err)
	}
}

func TestUsernamelessAccounts(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	first, err := s.CreateAccount(ctx, "", login.CreateAccountOpts{})
	if err != nil {
		t.Fatalf("first anonymous account: %v", err)
	}
	second, err := s.CreateAccount(ctx, "", login.CreateAccountOpts{})
	if err != nil {
		t.Fatalf("second anonymous account: %v", err)
	}
	if bytes.Equal(first.LoginID, second.LoginID) {
		t.Fatal("anonymous accounts share a loginId")
	}
	second.Close()

	loginID := append([]byte(nil), first.LoginID...)
	loginKey := append([]byte(nil), first.LoginKey...)
	first.Close()

	again, err := s.LoginWithKeyByID(ctx, loginID, loginKey)
	if err != nil {
		t.Fatalf("LoginWithKeyByID: %v", err)
	}
	defer again.Close()
	if again.Username != "" {
		t.Fatalf("username = %q on an anonymous account", again.Username)
	}

	// Factors whose identity derivation embeds a username are refused.
	_, err = s.CreateAccount(ctx, "", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if !errors.Is(err, login.ErrUsernameRequired) {
		t.Fatalf("password without username: err = %v, want ErrUsernameRequired", err)
	}
	_, err = s.CreateAccount(ctx, "", login.CreateAccountOpts{Pin: strPtr("1234")})
	if !errors.Is(err, login.ErrUsernameRequired) {
		t.Fatalf("pin without username: err = %v, want ErrUsernameRequired", err)
	}
}

// Every factor unwraps the same loginKey, whichever door was used.
func TestFactorsShareLoginKey(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{
		Password: strPtr("p@ss1234"),
		Pin:      strPtr("1234"),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	loginKey := append([]byte(nil), tree.LoginKey...)
	tree.Close()

	byPassword, err := s.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("LoginWithPassword: %v", err)
	}
	defer byPassword.Close()
	byPin, err := s.LoginWithPin(ctx, "alice", "1234")
	if err != nil {
		t.Fatalf("LoginWithPin: %v", err)
	}
	defer byPin.Close()
	byKey, err := s.LoginWithKey(ctx, "alice", loginKey)
	if err != nil {
		t.Fatalf("LoginWithKey: %v", err)
	}
	defer byKey.Close()

	if !bytes.Equal(byPassword.LoginKey, loginKey) ||
		!bytes.Equal(byPin.LoginKey, loginKey) ||
		!bytes.Equal(byKey.LoginKey, loginKey) {
		t.Fatal("factors unwrapped different login keys")
	}
}

func TestOfflinePasswordLogin(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	dir := t.TempDir()

	s := newSession(t, ts.URL, dir, "device-a")
	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tree.Close()
	s.Close()

	// Same stash, unreachable authority.
	offline := newSession(t, "http://127.0.0.1:1", dir, "device-a")
	defer offline.Close()

	tree, err = offline.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("offline login: %v", err)
	}
	tree.Close()

	if _, err := offline.LoginWithPassword(ctx, "alice", "wrong"); !errors.Is(err, authority.ErrBadFactor) {
		t.Fatalf("offline wrong password: err = %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("old-pass-1")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := s.ChangePassword(ctx, tree, "new-pass-2"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	tree.Close()

	if _, err := s.LoginWithPassword(ctx, "alice", "old-pass-1"); !errors.Is(err, authority.ErrBadFactor) {
		t.Fatalf("old password still works: %v", err)
	}
	tree, err = s.LoginWithPassword(ctx, "alice", "new-pass-2")
	if err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	tree.Close()
}

func TestPinLoginLifecycle(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{
		Password: strPtr("p@ss1234"),
		Pin:      strPtr("1234"),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	defer tree.Close()

	if !s.PinLoginEnabled("alice") {
		t.Fatal("PIN login not enabled after create")
	}
	pinTree, err := s.LoginWithPin(ctx, "alice", "1234")
	if err != nil {
		t.Fatalf("LoginWithPin: %v", err)
	}
	pinTree.Close()

	if _, err := s.LoginWithPin(ctx, "alice", "9999"); !errors.Is(err, authority.ErrBadFactor) {
		t.Fatalf("wrong PIN: err = %v", err)
	}

	// Local verification works regardless of the login setting.
	ok, err := s.CheckPin(tree, "1234")
	if err != nil || !ok {
		t.Fatalf("CheckPin(correct) = %v, %v", ok, err)
	}
	ok, err = s.CheckPin(tree, "0000")
	if err != nil || ok {
		t.Fatalf("CheckPin(wrong) = %v, %v", ok, err)
	}

	// Turning device login off keeps the PIN checkable but not usable.
	off := false
	if err := s.ChangePin(ctx, tree, login.ChangePinOpts{EnableLogin: &off}); err != nil {
		t.Fatalf("ChangePin(disable): %v", err)
	}
	if s.PinLoginEnabled("alice") {
		t.Fatal("PIN login still enabled after disabling")
	}
	if _, err := s.LoginWithPin(ctx, "alice", "1234"); !errors.Is(err, login.ErrPinNotEnabled) {
		t.Fatalf("disabled PIN login: err = %v", err)
	}
	if ok, err := s.CheckPin(tree, "1234"); err != nil || !ok {
		t.Fatalf("CheckPin after disable = %v, %v", ok, err)
	}
}

func TestRecoveryLifecycle(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	defer tree.Close()

	questions := []string{"first pet?", "first street?"}
	answers := []string{"rex", "elm"}
	key, err := s.ChangeRecovery(ctx, tree, questions, answers)
	if err != nil {
		t.Fatalf("ChangeRecovery: %v", err)
	}

	got, err := s.FetchRecovery2Questions(ctx, "alice", key)
	if err != nil {
		t.Fatalf("FetchRecovery2Questions: %v", err)
	}
	if len(got) != 2 || got[0] != questions[0] || got[1] != questions[1] {
		t.Fatalf("questions = %v", got)
	}

	recTree, err := s.LoginWithRecovery2(ctx, key, "alice", answers)
	if err != nil {
		t.Fatalf("LoginWithRecovery2: %v", err)
	}
	recTree.Close()

	// Wrong content, wrong order, wrong count: all the same error.
	for _, bad := range [][]string{
		{"rex", "oak"},
		{"elm", "rex"},
		{"rex"},
		{"rex", "elm", "extra"},
	} {
		if _, err := s.LoginWithRecovery2(ctx, key, "alice", bad); !errors.Is(err, login.ErrRecoveryAnswer) {
			t.Fatalf("answers %v: err = %v, want ErrRecoveryAnswer", bad, err)
		}
	}

	if err := s.DeleteRecovery(ctx, tree); err != nil {
		t.Fatalf("DeleteRecovery: %v", err)
	}
	if _, err := s.FetchRecovery2Questions(ctx, "alice", key); err == nil {
		t.Fatal("questions still fetchable after delete")
	}
}

func TestOtpGate(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	dirA := t.TempDir()

	s := newSession(t, ts.URL, dirA, "device-a")
	defer s.Close()
	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	defer tree.Close()

	if _, err := s.EnableOtp(ctx, tree, 3600); err != nil {
		t.Fatalf("EnableOtp: %v", err)
	}

	// The enrolled device answers challenges from its cached key.
	again, err := s.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("enrolled device login: %v", err)
	}
	again.Close()

	// A device without the key is held at the OTP gate.
	stranger := newSession(t, ts.URL, t.TempDir(), "device-b")
	defer stranger.Close()
	_, err = stranger.LoginWithPassword(ctx, "alice", "p@ss1234")
	var otpErr *authority.OtpError
	if !errors.As(err, &otpErr) {
		t.Fatalf("err = %v, want OtpError", err)
	}
	if otpErr.ResetToken == "" {
		t.Fatal("OtpError missing reset token")
	}

	// A repair with the wrong key is refused and must not disturb the
	// cached key this device answers challenges with.
	if err := s.RepairOtp(ctx, tree, "MFRGGZDF"); err == nil {
		t.Fatal("wrong repair key accepted")
	}
	if err := s.SyncLogin(ctx, tree); err != nil {
		t.Fatalf("cached otp key was disturbed: %v", err)
	}

	if err := s.DisableOtp(ctx, tree); err != nil {
		t.Fatalf("DisableOtp: %v", err)
	}
	fresh, err := stranger.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("login after OTP disable: %v", err)
	}
	fresh.Close()
}

func TestKeyLoginSyncsInBackground(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	dir := t.TempDir()

	s := newSession(t, ts.URL, dir, "device-a")
	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	loginKey := append([]byte(nil), tree.LoginKey...)
	tree.Close()

	keyTree, err := s.LoginWithKey(ctx, "alice", loginKey)
	if err != nil {
		t.Fatalf("LoginWithKey: %v", err)
	}
	keyTree.Close()
	s.Close()

	// Close drained the background sync; success means no errors queued.
	for err := range s.Errors() {
		t.Fatalf("background sync reported: %v", err)
	}

	bad := newSession(t, ts.URL, dir, "device-a")
	defer bad.Close()
	wrong := make([]byte, crypto.KeyLen)
	if _, err := bad.LoginWithKey(ctx, "alice", wrong); err == nil {
		t.Fatal("wrong key unlocked the stash")
	}
}

func TestVoucherFlow(t *testing.T) {
	ctx := context.Background()
	srv, ts := newAuthority(t)
	dir := t.TempDir()

	deviceA := newSession(t, ts.URL, dir, "device-a")
	defer deviceA.Close()
	treeA, err := deviceA.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	defer treeA.Close()

	// Register device A before approvals become mandatory.
	known, err := deviceA.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("device A login: %v", err)
	}
	loginKey := append([]byte(nil), known.LoginKey...)
	known.Close()

	userID, err := crypto.DeriveKey([]byte("alice"), crypto.UserIDSnrp(), crypto.KeyLen)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !srv.RequireDeviceApproval(userID, true) {
		t.Fatal("RequireDeviceApproval: account not found")
	}

	// Device B holds the key but is unknown, so its sync gets held.
	deviceB := newSession(t, ts.URL, dir, "device-b")
	defer deviceB.Close()
	treeB, err := deviceB.LoginWithKey(ctx, "alice", loginKey)
	if err != nil {
		t.Fatalf("device B key login: %v", err)
	}
	defer treeB.Close()

	var bgErr error
	select {
	case bgErr = <-deviceB.Errors():
	case <-time.After(5 * time.Second):
		t.Fatal("background sync never reported")
	}
	if !errors.Is(bgErr, authority.ErrVoucherPending) {
		t.Fatalf("background err = %v, want voucher pending", bgErr)
	}
	var vErr *authority.VoucherError
	if !errors.As(bgErr, &vErr) || vErr.VoucherID == "" {
		t.Fatalf("no voucher id in %v", bgErr)
	}

	// The voucher records where the blocked attempt came from.
	if err := deviceA.SyncLogin(ctx, treeA); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	vouchers := deviceA.PendingVouchers(treeA)
	if len(vouchers) != 1 {
		t.Fatalf("pending vouchers = %d, want 1", len(vouchers))
	}
	if vouchers[0].IP == "" {
		t.Fatal("voucher missing the requesting IP")
	}

	// Device A approves; device B's next sync goes through.
	if err := deviceA.ChangeVoucherStatus(ctx, treeA, []string{vErr.VoucherID}, nil); err != nil {
		t.Fatalf("ChangeVoucherStatus: %v", err)
	}
	if err := deviceB.SyncLogin(ctx, treeB); err != nil {
		t.Fatalf("sync after approval: %v", err)
	}
}

func TestUsernameAvailable(t *testing.T) {
	ctx := context.Background()
	_, ts := newAuthority(t)
	s := newSession(t, ts.URL, t.TempDir(), "device-a")
	defer s.Close()

	free, err := s.UsernameAvailable(ctx, "alice")
	if err != nil || !free {
		t.Fatalf("fresh name: %v, %v", free, err)
	}
	tree, err := s.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tree.Close()
	free, err = s.UsernameAvailable(ctx, "Alice")
	if err != nil || free {
		t.Fatalf("taken name reported available: %v, %v", free, err)
	}
}

func TestOtpResetFlow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	srv := authserver.NewServer(authserver.Config{
		Logger:     log.New(io.Discard, "", 0),
		LoginRate:  rate.Limit(10000),
		LoginBurst: 10000,
		Now:        clock,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	session := func(deviceID string) *login.Session {
		s, err := login.NewSession(ctx, login.Config{
			AuthServer: ts.URL,
			StashDir:   t.TempDir(),
			DeviceID:   deviceID,
			Logger:     log.New(io.Discard, "", 0),
			Now:        clock,
		})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		t.Cleanup(s.Close)
		return s
	}

	a := session("device-a")
	tree, err := a.CreateAccount(ctx, "alice", login.CreateAccountOpts{Password: strPtr("p@ss1234")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	defer tree.Close()
	otpKey, err := a.EnableOtp(ctx, tree, 60)
	if err != nil {
		t.Fatalf("EnableOtp: %v", err)
	}

	// A locked-out device harvests the reset token from its failure.
	b := session("device-b")
	_, err = b.LoginWithPassword(ctx, "alice", "p@ss1234")
	var otpErr *authority.OtpError
	if !errors.As(err, &otpErr) {
		t.Fatalf("err = %v, want OtpError", err)
	}

	if _, err := b.RequestOtpReset(ctx, "alice", "not-the-token"); err == nil {
		t.Fatal("bogus reset token accepted")
	}
	date, err := b.RequestOtpReset(ctx, "alice", otpErr.ResetToken)
	if err != nil {
		t.Fatalf("RequestOtpReset: %v", err)
	}
	if !date.After(now) {
		t.Fatalf("reset date %v is not in the future", date)
	}

	// Still gated until the grace period elapses.
	if _, err := b.LoginWithPassword(ctx, "alice", "p@ss1234"); !errors.As(err, &otpErr) {
		t.Fatalf("err = %v, want OtpError before the reset lands", err)
	}
	now = now.Add(2 * time.Minute)
	fresh, err := b.LoginWithPassword(ctx, "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("login after reset date: %v", err)
	}
	defer fresh.Close()

	// Repairing with the real key re-arms the device for challenges.
	if err := b.RepairOtp(ctx, fresh, otpKey); err != nil {
		t.Fatalf("RepairOtp: %v", err)
	}
}
