package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// errPasswordMismatch はパスワードがハッシュと一致しないことを表す。
var errPasswordMismatch = errors.New("password does not match")

// hashPassword はbcryptでパスワードをハッシュ化する。
func hashPassword(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// comparePassword はパスワードがハッシュと一致するか検証する。
// 一致しない場合はerrPasswordMismatchを返す。
func comparePassword(hash, password string) error {
	if hash == "" {
		return errPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errPasswordMismatch
		}
		return err
	}
	return nil
}
