package stash

// SearchTree walks a stash tree depth-first and returns the first node
// matching the predicate, or nil. It inspects ciphertext-level fields
// only; nothing is decrypted.
func SearchTree(root *LoginStash, match func(*LoginStash) bool) *LoginStash {
	if root == nil {
		return nil
	}
	if match(root) {
		return root
	}
	for _, child := range root.Children {
		if found := SearchTree(child, match); found != nil {
			return found
		}
	}
	return nil
}

// FindApp returns the node whose appId matches, walking the tree the
// same way the decryption path does.
func FindApp(root *LoginStash, appID string) *LoginStash {
	return SearchTree(root, func(n *LoginStash) bool { return n.AppID == appID })
}
