package pairing

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/login"
	"login-core/internal/logintree"
	"login-core/internal/stash"
)

// LobbyInfo is what the approving device shows the user before the
// approve/reject decision.
type LobbyInfo struct {
	LobbyID           string
	AppID             string
	DeviceDescription string

	publicKey []byte
}

// FetchLobby loads a pending lobby so the user can inspect who is
// asking before approving.
func FetchLobby(ctx context.Context, s *login.Session, lobbyID string) (*LobbyInfo, error) {
	raw, err := s.Client().LoginFetch(ctx, http.MethodGet, "/v2/lobby/"+lobbyID, nil)
	if err != nil {
		return nil, err
	}
	var status authority.LobbyStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, err
	}
	if status.Status != authority.LobbyStatusPending {
		return nil, fmt.Errorf("pairing: lobby %s is %s, not pending", lobbyID, status.Status)
	}
	if len(status.PublicKey) == 0 {
		return nil, errors.New("pairing: lobby missing requester public key")
	}
	return &LobbyInfo{
		LobbyID:           lobbyID,
		AppID:             status.AppID,
		DeviceDescription: status.DeviceDescription,
		publicKey:         status.PublicKey,
	}, nil
}

// Approve seals the login key for the lobby's app to the requester's
// ephemeral key and posts the answer. The tree must already be unlocked
// for (or above) the app the lobby asks for.
func Approve(ctx context.Context, s *login.Session, tree *logintree.LoginTree, info *LobbyInfo) error {
	target := tree
	if info.AppID != tree.AppID {
		child, err := tree.Child(info.AppID)
		if err != nil {
			return err
		}
		target = child
	}

	peer, err := ecdh.X25519().NewPublicKey(info.publicKey)
	if err != nil {
		return err
	}
	dh, err := crypto.NewX25519()
	if err != nil {
		return err
	}
	secret, err := crypto.SharedSecret(dh.Priv, peer)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)
	key, err := crypto.LobbyKey(secret)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	payload := stash.WirePayload(target.Stash)
	edge := authority.EdgeLoginSecret{
		LoginKey: target.LoginKey,
		Username: tree.Username,
		Payload:  payload,
	}
	plain, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	defer crypto.Zero(plain)
	replyBox, err := crypto.Encrypt(plain, key)
	if err != nil {
		return err
	}

	answer := authority.LobbyAnswer{
		Approve:        true,
		ReplyPublicKey: dh.Pub.Bytes(),
		ReplyBox:       replyBox,
	}
	_, err = s.Client().LoginFetch(ctx, http.MethodPut, "/v2/lobby/"+info.LobbyID, answer)
	return err
}

// Reject closes the lobby without revealing anything.
func Reject(ctx context.Context, s *login.Session, info *LobbyInfo) error {
	_, err := s.Client().LoginFetch(ctx, http.MethodPut, "/v2/lobby/"+info.LobbyID, authority.LobbyAnswer{Approve: false})
	return err
}
