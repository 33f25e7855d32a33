package stash

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"login-core/internal/authority"
	"login-core/internal/crypto"
)

func testBox(t *testing.T, plaintext string) *crypto.Box {
	t.Helper()
	key := make([]byte, crypto.KeyLen)
	box, err := crypto.Encrypt([]byte(plaintext), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return box
}

func TestMergeServerFieldsWin(t *testing.T) {
	local := &LoginStash{
		LoginID:     []byte("root"),
		Username:    "alice",
		UserID:      []byte("uid"),
		Pin2Key:     []byte("local-pin-key"),
		PasswordBox: testBox(t, "old"),
		LastLogin:   time.Unix(100, 0),
	}
	payload := &authority.LoginPayload{
		LoginID:     []byte("root"),
		PasswordBox: testBox(t, "new"),
		LastLogin:   time.Unix(200, 0),
	}

	merged := MergeLoginPayload(local, payload, true)
	if merged.PasswordBox == local.PasswordBox {
		t.Fatal("server box did not replace local box")
	}
	if merged.Username != "alice" || string(merged.UserID) != "uid" {
		t.Fatal("device-local identity fields did not survive")
	}
	if string(merged.Pin2Key) != "local-pin-key" {
		t.Fatal("device-local pin2Key did not survive")
	}
	if !merged.LastLogin.Equal(time.Unix(200, 0)) {
		t.Fatalf("lastLogin = %v, want server value", merged.LastLogin)
	}
	if local.PasswordBox == nil {
		t.Fatal("merge mutated its input")
	}
}

func TestMergeLastLoginMonotonic(t *testing.T) {
	local := &LoginStash{LoginID: []byte("root"), LastLogin: time.Unix(500, 0)}
	payload := &authority.LoginPayload{LoginID: []byte("root"), LastLogin: time.Unix(200, 0)}
	merged := MergeLoginPayload(local, payload, true)
	if !merged.LastLogin.Equal(time.Unix(500, 0)) {
		t.Fatalf("lastLogin went backwards: %v", merged.LastLogin)
	}
}

func TestMergeIdempotent(t *testing.T) {
	local := &LoginStash{
		LoginID:  []byte("root"),
		Username: "alice",
		Children: []*LoginStash{{LoginID: []byte("c1"), AppID: "app1", Pin2Key: []byte("k")}},
	}
	payload := &authority.LoginPayload{
		LoginID: []byte("root"),
		Children: []authority.LoginPayload{
			{LoginID: []byte("c1"), AppID: "app1"},
			{LoginID: []byte("c2"), AppID: "app2"},
		},
	}

	once := MergeLoginPayload(local, payload, true)
	twice := MergeLoginPayload(once, payload, true)
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("merging the same payload twice changed the result")
	}
}

func TestMergeChildPruning(t *testing.T) {
	local := &LoginStash{
		LoginID: []byte("root"),
		Children: []*LoginStash{
			{LoginID: []byte("keep"), AppID: "app1"},
			{LoginID: []byte("stale"), AppID: "app2"},
		},
	}
	payload := &authority.LoginPayload{
		LoginID:  []byte("root"),
		Children: []authority.LoginPayload{{LoginID: []byte("keep"), AppID: "app1"}},
	}

	partial := MergeLoginPayload(local, payload, false)
	if len(partial.Children) != 2 {
		t.Fatalf("partial merge pruned children: got %d, want 2", len(partial.Children))
	}

	full := MergeLoginPayload(local, payload, true)
	if len(full.Children) != 1 || string(full.Children[0].LoginID) != "keep" {
		t.Fatalf("full merge kept stale children: %d", len(full.Children))
	}
}

func TestMergeChildKeepsLocalState(t *testing.T) {
	local := &LoginStash{
		LoginID: []byte("root"),
		Children: []*LoginStash{
			{LoginID: []byte("c1"), AppID: "app1", Pin2Key: []byte("device-key")},
		},
	}
	payload := &authority.LoginPayload{
		LoginID:  []byte("root"),
		Children: []authority.LoginPayload{{LoginID: []byte("c1"), AppID: "app1"}},
	}
	merged := MergeLoginPayload(local, payload, true)
	if string(merged.Children[0].Pin2Key) != "device-key" {
		t.Fatal("child's device-local pin2Key lost in merge")
	}
}

func TestWirePayloadOmitsLocalSecrets(t *testing.T) {
	root := &LoginStash{
		LoginID:      []byte("root"),
		Username:     "alice",
		UserID:       []byte("uid"),
		Pin2Key:      []byte("pin-key"),
		Recovery2Key: []byte("rec-key"),
		PasswordBox:  testBox(t, "x"),
		Children:     []*LoginStash{{LoginID: []byte("c1"), AppID: "app1"}},
	}
	payload := WirePayload(root)
	if payload.PasswordBox == nil || len(payload.Children) != 1 {
		t.Fatal("ciphertext fields missing from wire payload")
	}

	// Round-tripping through a merge must not resurrect local secrets.
	back := MergeLoginPayload(nil, &payload, true)
	if back.Username != "" || len(back.Pin2Key) != 0 || len(back.Recovery2Key) != 0 {
		t.Fatal("device-local fields leaked onto the wire")
	}
}

func FuzzMergeIdempotent(f *testing.F) {
	f.Add([]byte(`{"loginId":"cm9vdA==","children":[{"loginId":"YzE=","appId":"app1"}]}`))
	f.Add([]byte(`{"loginId":"cm9vdA==","otpKey":"KRSXG5A=","lastLogin":"2026-01-02T03:04:05Z"}`))
	f.Fuzz(func(t *testing.T, raw []byte) {
		var payload authority.LoginPayload
		if err := json.Unmarshal(raw, &payload); err != nil || len(payload.LoginID) == 0 {
			return
		}
		once := MergeLoginPayload(nil, &payload, true)
		twice := MergeLoginPayload(once, &payload, true)
		if !reflect.DeepEqual(once, twice) {
			t.Fatal("re-applying the same payload changed the tree")
		}
	})
}
