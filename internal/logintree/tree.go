// Package logintree decrypts stash nodes into their runtime view. A
// LoginTree holds live key material: it exists only for the session and
// must be closed so its keys are zeroed.
package logintree

import (
	"errors"
	"fmt"

	"login-core/internal/crypto"
	"login-core/internal/stash"
)

var ErrAppIDNotFound = errors.New("logintree: no login node for this appId")

// LoginTree is the decrypted view of one stash node. Children are
// decrypted on demand only: sibling sub-logins for other apps stay
// opaque unless their branch is explicitly walked.
type LoginTree struct {
	LoginID  []byte
	Username string
	AppID    string

	// LoginKey is this node's own symmetric key, the root of trust for
	// its subtree.
	LoginKey []byte

	PasswordAuth []byte
	LoginAuth    []byte
	Pin2Key      []byte
	Recovery2Key []byte
	OtpKey       string

	// Stash is the ciphertext node this view was decrypted from.
	Stash *stash.LoginStash

	children []*LoginTree
}

// MakeLoginTree walks from the stash root down through parentBox
// decryptions to the node matching appId, then decrypts that node.
// loginKey is the root node's key — the root of trust for the whole
// tree. The walk is depth-first, short-circuits on the first match, and
// only ever decrypts keys on the path: sibling subtrees stay opaque.
//
// The tree is flattened into an arena with parent links so the path is
// an explicit walk over indices rather than recursion through owned
// pointers.
func MakeLoginTree(stashTree *stash.LoginStash, loginKey []byte, appID string) (*LoginTree, error) {
	if stashTree == nil {
		return nil, errors.New("logintree: nil stash tree")
	}

	type arenaNode struct {
		stash  *stash.LoginStash
		parent int
	}
	arena := []arenaNode{{stash: stashTree, parent: -1}}
	pending := []int{0}
	target := -1
	for len(pending) > 0 {
		i := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if arena[i].stash.AppID == appID {
			target = i
			break
		}
		children := arena[i].stash.Children
		for c := len(children) - 1; c >= 0; c-- {
			arena = append(arena, arenaNode{stash: children[c], parent: i})
			pending = append(pending, len(arena)-1)
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("%w: %q", ErrAppIDNotFound, appID)
	}

	// Collect the index path root -> target.
	var path []int
	for i := target; i >= 0; i = arena[i].parent {
		path = append(path, i)
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}

	// Unwrap the key chain along the path only.
	key := append([]byte(nil), loginKey...)
	for _, i := range path[1:] {
		node := arena[i].stash
		if node.ParentBox == nil {
			crypto.Zero(key)
			return nil, fmt.Errorf("logintree: node %q missing parentBox", node.AppID)
		}
		next, err := crypto.Decrypt(node.ParentBox, key)
		crypto.Zero(key)
		if err != nil {
			return nil, err
		}
		key = next
	}
	defer crypto.Zero(key)

	tree, err := decryptNode(arena[target].stash, key)
	if err != nil {
		return nil, err
	}
	tree.Username = stashTree.Username
	return tree, nil
}

// decryptNode opens every box on a node that the login key unlocks
// directly. Any decryption failure aborts the whole attempt; a partially
// decrypted login is never returned.
func decryptNode(node *stash.LoginStash, loginKey []byte) (*LoginTree, error) {
	if len(loginKey) != crypto.KeyLen {
		return nil, fmt.Errorf("logintree: login key must be %d bytes", crypto.KeyLen)
	}
	key := append([]byte(nil), loginKey...)
	_ = crypto.LockMemory(key)

	tree := &LoginTree{
		LoginID:  node.LoginID,
		AppID:    node.AppID,
		LoginKey: key,
		OtpKey:   node.OtpKey,
		Stash:    node,
	}

	open := func(box *crypto.Box) ([]byte, error) {
		if box == nil {
			return nil, nil
		}
		return crypto.Decrypt(box, key)
	}

	var err error
	if tree.PasswordAuth, err = open(node.PasswordAuthBox); err != nil {
		tree.Close()
		return nil, err
	}
	if tree.LoginAuth, err = open(node.LoginAuthBox); err != nil {
		tree.Close()
		return nil, err
	}
	if tree.Pin2Key, err = open(node.Pin2KeyBox); err != nil {
		tree.Close()
		return nil, err
	}
	if tree.Pin2Key == nil && len(node.Pin2Key) > 0 {
		tree.Pin2Key = append([]byte(nil), node.Pin2Key...)
	}
	if tree.Recovery2Key, err = open(node.Recovery2KeyBox); err != nil {
		tree.Close()
		return nil, err
	}
	if tree.Recovery2Key == nil && len(node.Recovery2Key) > 0 {
		tree.Recovery2Key = append([]byte(nil), node.Recovery2Key...)
	}
	return tree, nil
}

// Child decrypts the direct child login for the given appId, unwrapping
// its parentBox with this node's login key. Results are cached for the
// life of the tree.
func (t *LoginTree) Child(appID string) (*LoginTree, error) {
	for _, child := range t.children {
		if child.AppID == appID {
			return child, nil
		}
	}
	for _, childStash := range t.Stash.Children {
		if childStash.AppID != appID {
			continue
		}
		if childStash.ParentBox == nil {
			return nil, fmt.Errorf("logintree: child %q missing parentBox", appID)
		}
		childKey, err := crypto.Decrypt(childStash.ParentBox, t.LoginKey)
		if err != nil {
			return nil, err
		}
		child, err := decryptNode(childStash, childKey)
		crypto.Zero(childKey)
		if err != nil {
			return nil, err
		}
		child.Username = t.Username
		t.children = append(t.children, child)
		return child, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrAppIDNotFound, appID)
}

// SyncKey unwraps this node's repo sync key, when present.
func (t *LoginTree) SyncKey() ([]byte, error) {
	if t.Stash.SyncKeyBox == nil {
		return nil, errors.New("logintree: no sync key on this node")
	}
	return crypto.Decrypt(t.Stash.SyncKeyBox, t.LoginKey)
}

// Close zeroes all decrypted key material, recursively.
func (t *LoginTree) Close() {
	for _, child := range t.children {
		child.Close()
	}
	t.children = nil
	if t.LoginKey != nil {
		_ = crypto.UnlockMemory(t.LoginKey)
	}
	crypto.Zero(t.LoginKey)
	crypto.Zero(t.PasswordAuth)
	crypto.Zero(t.LoginAuth)
	crypto.Zero(t.Pin2Key)
	crypto.Zero(t.Recovery2Key)
	t.LoginKey = nil
	t.PasswordAuth = nil
	t.LoginAuth = nil
	t.Pin2Key = nil
	t.Recovery2Key = nil
}
