package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// stateSigner はOAuthのstateパラメータに署名する。
// stateにはランダムなnonceとサインイン後の遷移先を含める。
type stateSigner struct {
	key []byte
}

func newStateSigner(secret string) *stateSigner {
	return &stateSigner{key: []byte(secret)}
}

// Sign は遷移先を埋め込んだ署名付きstateを生成する。
// 形式: base64url(nonce "\n" next) "." base64url(HMAC-SHA256)
func (s *stateSigner) Sign(next string) (string, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString([]byte(nonce + "\n" + next))
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

// Verify は署名を検証し、埋め込まれた遷移先を返す。
func (s *stateSigner) Verify(state string) (next string, ok bool) {
	payload, sig, found := strings.Cut(state, ".")
	if !found || payload == "" {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(s.mac(payload), got) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", false
	}
	_, next, found = strings.Cut(string(raw), "\n")
	if !found {
		return "", false
	}
	return next, true
}

func (s *stateSigner) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

// randomHex はnバイトの暗号的に安全な乱数を16進文字列で返す。
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken は確認トークンの保存用ハッシュを返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
