package stash

import (
	"context"
	"testing"

	"login-core/internal/crypto"
	"login-core/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewFileBlobStore(t.TempDir()))
}

func TestStoreSaveAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(storage.NewFileBlobStore(dir))

	root := &LoginStash{
		LoginID:  []byte("root-id"),
		Username: "alice",
		UserID:   []byte("uid"),
		Children: []*LoginStash{{LoginID: []byte("child"), AppID: "app1"}},
	}
	if err := store.Save(ctx, root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewStore(storage.NewFileBlobStore(dir))
	if err := fresh.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	got, ok := fresh.ByUsername("alice")
	if !ok {
		t.Fatal("saved stash not found after reload")
	}
	if len(got.Children) != 1 || got.Children[0].AppID != "app1" {
		t.Fatal("child nodes did not survive the round trip")
	}
}

func TestStoreLookups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pin2Key := []byte("pin2-key-material-for-the-test!!")
	recovery2Key := []byte("recovery-key-material-for-test!!")
	root := &LoginStash{
		LoginID:      []byte("root-id"),
		Username:     "alice",
		UserID:       []byte("uid"),
		Pin2Key:      pin2Key,
		Recovery2Key: recovery2Key,
		AppID:        "",
	}
	if err := store.Save(ctx, root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, ok := store.ByLoginID([]byte("root-id")); !ok {
		t.Fatal("ByLoginID miss")
	}
	if _, ok := store.ByUserID([]byte("uid")); !ok {
		t.Fatal("ByUserID miss")
	}
	pin2ID := crypto.HmacSHA256([]byte("|alice"), pin2Key)
	if _, ok := store.ByPin2ID("", pin2ID); !ok {
		t.Fatal("ByPin2ID miss")
	}
	recovery2ID := crypto.HmacSHA256([]byte("alice"), recovery2Key)
	if _, ok := store.ByRecovery2ID(recovery2ID); !ok {
		t.Fatal("ByRecovery2ID miss")
	}
	if _, ok := store.ByRecovery2ID([]byte("wrong")); ok {
		t.Fatal("ByRecovery2ID matched garbage")
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	root := &LoginStash{LoginID: []byte("root-id"), Username: "alice"}
	if err := store.Save(ctx, root); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, []byte("root-id")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.ByUsername("alice"); ok {
		t.Fatal("stash still cached after delete")
	}
	// Deleting an unknown login is a no-op.
	if err := store.Delete(ctx, []byte("missing")); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestSearchTree(t *testing.T) {
	root := &LoginStash{
		LoginID: []byte("root"),
		Children: []*LoginStash{
			{LoginID: []byte("a"), AppID: "app-a"},
			{
				LoginID: []byte("b"), AppID: "app-b",
				Children: []*LoginStash{{LoginID: []byte("b1"), AppID: "app-b1"}},
			},
		},
	}
	if got := FindApp(root, "app-b1"); got == nil || string(got.LoginID) != "b1" {
		t.Fatal("FindApp missed a nested node")
	}
	if got := FindApp(root, "nope"); got != nil {
		t.Fatal("FindApp found a node that does not exist")
	}
	if got := root.FindByLoginID([]byte("a")); got == nil || got.AppID != "app-a" {
		t.Fatal("FindByLoginID missed a direct child")
	}
}
