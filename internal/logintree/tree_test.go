package logintree

import (
	"bytes"
	"errors"
	"testing"

	"login-core/internal/crypto"
	"login-core/internal/stash"
)

// buildStashTree assembles root -> child -> grandchild with a real
// parentBox key chain and returns the tree plus each node's key.
func buildStashTree(t *testing.T) (*stash.LoginStash, [][]byte) {
	t.Helper()
	keys := make([][]byte, 3)
	for i := range keys {
		key, err := crypto.RandomBytes(crypto.KeyLen)
		if err != nil {
			t.Fatalf("RandomBytes: %v", err)
		}
		keys[i] = key
	}

	seal := func(plaintext, key []byte) *crypto.Box {
		box, err := crypto.Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		return box
	}

	grandchild := &stash.LoginStash{
		LoginID:   []byte("gc"),
		AppID:     "com.example.app.plugin",
		ParentBox: seal(keys[2], keys[1]),
	}
	child := &stash.LoginStash{
		LoginID:      []byte("child"),
		AppID:        "com.example.app",
		ParentBox:    seal(keys[1], keys[0]),
		LoginAuthBox: seal([]byte("child-login-auth"), keys[1]),
		Children:     []*stash.LoginStash{grandchild},
	}
	root := &stash.LoginStash{
		LoginID:         []byte("root"),
		Username:        "alice",
		AppID:           "",
		PasswordAuthBox: seal([]byte("root-password-auth"), keys[0]),
		LoginAuthBox:    seal([]byte("root-login-auth"), keys[0]),
		Children:        []*stash.LoginStash{child},
	}
	return root, keys
}

func TestMakeLoginTreeRoot(t *testing.T) {
	root, keys := buildStashTree(t)
	tree, err := MakeLoginTree(root, keys[0], "")
	if err != nil {
		t.Fatalf("MakeLoginTree: %v", err)
	}
	defer tree.Close()

	if tree.Username != "alice" || tree.AppID != "" {
		t.Fatalf("wrong node decrypted: %q %q", tree.Username, tree.AppID)
	}
	if string(tree.PasswordAuth) != "root-password-auth" {
		t.Fatal("passwordAuth box did not open")
	}
	if string(tree.LoginAuth) != "root-login-auth" {
		t.Fatal("loginAuth box did not open")
	}
}

func TestMakeLoginTreeWalksDown(t *testing.T) {
	root, keys := buildStashTree(t)
	tree, err := MakeLoginTree(root, keys[0], "com.example.app.plugin")
	if err != nil {
		t.Fatalf("MakeLoginTree: %v", err)
	}
	defer tree.Close()

	if tree.AppID != "com.example.app.plugin" {
		t.Fatalf("got appId %q", tree.AppID)
	}
	if !bytes.Equal(tree.LoginKey, keys[2]) {
		t.Fatal("key chain did not unwrap to the grandchild key")
	}
}

func TestMakeLoginTreeWrongKey(t *testing.T) {
	root, _ := buildStashTree(t)
	wrong := make([]byte, crypto.KeyLen)
	if _, err := MakeLoginTree(root, wrong, ""); err == nil {
		t.Fatal("wrong key decrypted the tree")
	}
	if _, err := MakeLoginTree(root, wrong, "com.example.app"); err == nil {
		t.Fatal("wrong key unwrapped the child chain")
	}
}

func TestMakeLoginTreeUnknownApp(t *testing.T) {
	root, keys := buildStashTree(t)
	_, err := MakeLoginTree(root, keys[0], "com.example.other")
	if !errors.Is(err, ErrAppIDNotFound) {
		t.Fatalf("err = %v, want ErrAppIDNotFound", err)
	}
}

func TestChildLazyDecryption(t *testing.T) {
	root, keys := buildStashTree(t)
	tree, err := MakeLoginTree(root, keys[0], "")
	if err != nil {
		t.Fatalf("MakeLoginTree: %v", err)
	}
	defer tree.Close()

	child, err := tree.Child("com.example.app")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if string(child.LoginAuth) != "child-login-auth" {
		t.Fatal("child boxes did not open")
	}
	again, err := tree.Child("com.example.app")
	if err != nil {
		t.Fatalf("Child again: %v", err)
	}
	if again != child {
		t.Fatal("child decryption not cached")
	}
	if _, err := tree.Child("nope"); !errors.Is(err, ErrAppIDNotFound) {
		t.Fatalf("err = %v, want ErrAppIDNotFound", err)
	}
}

func TestCloseZeroesKeys(t *testing.T) {
	root, keys := buildStashTree(t)
	tree, err := MakeLoginTree(root, keys[0], "")
	if err != nil {
		t.Fatalf("MakeLoginTree: %v", err)
	}
	held := tree.LoginKey
	tree.Close()
	for _, b := range held {
		if b != 0 {
			t.Fatal("login key not zeroed on close")
		}
	}
	if tree.LoginKey != nil || tree.PasswordAuth != nil {
		t.Fatal("key fields not cleared on close")
	}
}
