package common

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"github.com/google/uuid"
)

const subIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateClientID генерирует UUID клиента для VLESS/VMess
func GenerateClientID() string {
	return uuid.New().String()
}

// GenerateSubID генерирует случайный subId из 16 символов
func GenerateSubID() (string, error) {
	return randomString(16)
}

// GenerateTrojanPassword генерирует пароль клиента Trojan
func GenerateTrojanPassword() (string, error) {
	return randomString(16)
}

// GenerateSubscriptionToken генерирует токен подписки (32 байта, URL-safe Base64)
func GenerateSubscriptionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomString(n int) (string, error) {
	return randomStringFrom(rand.Reader, n)
}

func randomStringFrom(src io.Reader, n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(subIDCharset)))
	for i := range b {
		idx, err := rand.Int(src, max)
		if err != nil {
			return "", fmt.Errorf("ошибка генерации случайной строки: %w", err)
		}
		b[i] = subIDCharset[idx.Int64()]
	}
	return string(b), nil
}
