package login

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"login-core/internal/authority"
	"login-core/internal/crypto"
	"login-core/internal/logintree"
)

func recovery2ID(username string, recovery2Key []byte) []byte {
	return crypto.HmacSHA256([]byte(normalize(username)), recovery2Key)
}

func recovery2Auth(answers []string, recovery2Key []byte) [][]byte {
	out := make([][]byte, len(answers))
	for i, answer := range answers {
		out[i] = crypto.HmacSHA256([]byte(answer), recovery2Key)
	}
	return out
}

// FetchRecovery2Questions retrieves the recovery questions for an
// account given its recovery key, without proving anything.
func (s *Session) FetchRecovery2Questions(ctx context.Context, username string, recovery2Key []byte) ([]string, error) {
	req := authority.LoginRequest{
		Recovery2ID:   recovery2ID(username, recovery2Key),
		QuestionsOnly: true,
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Question2Box *crypto.Box `json:"question2Box"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Question2Box == nil {
		return nil, authority.ErrBadFactor
	}
	plain, err := crypto.Decrypt(payload.Question2Box, recovery2Key)
	if err != nil {
		return nil, err
	}
	var questions []string
	if err := json.Unmarshal(plain, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// LoginWithRecovery2 proves the recovery answers, in order, and unlocks
// the tree. Wrong answers in any respect come back as ErrRecoveryAnswer
// with no hint of which answer failed.
func (s *Session) LoginWithRecovery2(ctx context.Context, recovery2Key []byte, username string, answers []string) (*logintree.LoginTree, error) {
	username = normalize(username)
	local, _ := s.stashes.ByUsername(username)

	req := authority.LoginRequest{
		Recovery2ID:       recovery2ID(username, recovery2Key),
		Recovery2Auth:     recovery2Auth(answers, recovery2Key),
		DeviceID:          s.cfg.DeviceID,
		DeviceDescription: s.cfg.DeviceDescription,
	}
	s.attachOtp(&req, local)

	raw, err := s.client.LoginFetch(ctx, http.MethodPost, "/v2/login", req)
	if err != nil {
		if errors.Is(err, authority.ErrBadFactor) {
			return nil, ErrRecoveryAnswer
		}
		return nil, err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	merged, err := s.applyAndSave(ctx, local, username, payload, true)
	if err != nil {
		return nil, err
	}
	if merged.Recovery2Box == nil {
		return nil, authority.ErrBadFactor
	}
	loginKey, err := loginKeyFromBox(merged.Recovery2Box, recovery2Key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(loginKey)

	tree, err := logintree.MakeLoginTree(merged, loginKey, s.cfg.AppID)
	if err != nil {
		return nil, err
	}
	s.records.Append("recovery login " + username)
	return tree, nil
}

// ChangeRecovery installs or replaces the recovery questions, returning
// the new recovery key the user must store out of band.
func (s *Session) ChangeRecovery(ctx context.Context, tree *logintree.LoginTree, questions, answers []string) ([]byte, error) {
	if len(questions) == 0 || len(questions) != len(answers) {
		return nil, errors.New("login: questions and answers must match and be non-empty")
	}
	root, err := s.rootOf(tree)
	if err != nil {
		return nil, err
	}
	recovery2Key, err := crypto.RandomBytes(crypto.KeyLen)
	if err != nil {
		return nil, err
	}

	questionText, err := json.Marshal(questions)
	if err != nil {
		return nil, err
	}
	question2Box, err := crypto.Encrypt(questionText, recovery2Key)
	if err != nil {
		return nil, err
	}
	recovery2Box, err := crypto.Encrypt(tree.LoginKey, recovery2Key)
	if err != nil {
		return nil, err
	}
	recovery2KeyBox, err := crypto.Encrypt(recovery2Key, tree.LoginKey)
	if err != nil {
		return nil, err
	}

	req, err := s.authRequest(root, tree)
	if err != nil {
		return nil, err
	}
	body := authority.ChangeRequest{
		LoginRequest: req,
		Data: authority.Recovery2Payload{
			Recovery2ID:     recovery2ID(root.Username, recovery2Key),
			Recovery2Auth:   recovery2Auth(answers, recovery2Key),
			Recovery2Box:    recovery2Box,
			Recovery2KeyBox: recovery2KeyBox,
			Question2Box:    question2Box,
		},
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodPut, "/v2/login/recovery2", body)
	if err != nil {
		return nil, err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, false)
	if err != nil {
		return nil, err
	}

	// Keep the key on this device so the account screen can show it.
	merged.Recovery2Key = append([]byte(nil), recovery2Key...)
	if err := s.stashes.Save(ctx, merged); err != nil {
		return nil, err
	}
	tree.Recovery2Key = append([]byte(nil), recovery2Key...)
	s.records.Append("recovery change " + logName(root))
	return recovery2Key, nil
}

// DeleteRecovery removes the recovery factor from the account.
func (s *Session) DeleteRecovery(ctx context.Context, tree *logintree.LoginTree) error {
	root, err := s.rootOf(tree)
	if err != nil {
		return err
	}
	req, err := s.authRequest(root, tree)
	if err != nil {
		return err
	}
	raw, err := s.client.LoginFetch(ctx, http.MethodDelete, "/v2/login/recovery2", req)
	if err != nil {
		return err
	}
	payload, err := parsePayload(raw)
	if err != nil {
		return err
	}
	merged, err := s.applyAndSave(ctx, root, root.Username, payload, false)
	if err != nil {
		return err
	}
	merged.Recovery2Key = nil
	if err := s.stashes.Save(ctx, merged); err != nil {
		return err
	}
	crypto.Zero(tree.Recovery2Key)
	tree.Recovery2Key = nil
	s.records.Append("recovery delete " + logName(root))
	return nil
}
