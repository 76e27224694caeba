// Package auth выдает и проверяет JWT токены доступа, учитывая их в хранилище.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"xuiportal/common"
)

var (
	// ErrInvalidToken подпись, срок или формат токена неверны
	ErrInvalidToken = errors.New("недействительный токен")
	// ErrRevokedToken токен отозван или отсутствует в хранилище
	ErrRevokedToken = errors.New("токен отозван")
)

// TokenStore хранилище выданных токенов
type TokenStore interface {
	SaveToken(t *common.IssuedToken) error
	GetToken(tokenID string) (*common.IssuedToken, error)
	RevokeToken(tokenID string) error
	RevokeUserTokens(userID int64) (int64, error)
	DeleteExpiredTokens(now time.Time) (int64, error)
}

// Claims данные проверенного токена
type Claims struct {
	UserID    int64
	TokenID   string
	ExpiresAt time.Time
}

// Issuer выдает токены HS256
type Issuer struct {
	store  TokenStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer создает выдачу токенов. Пустой секрет заменяется случайным.
func NewIssuer(store TokenStore, secret string, ttl time.Duration) *Issuer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Printf("AUTH: Ошибка генерации секрета: %v", err)
		}
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{store: store, secret: key, ttl: ttl, now: time.Now}
}

// Issue подписывает токен пользователя и сохраняет его jti
func (i *Issuer) Issue(userID int64, userAgent, ip string) (string, *common.IssuedToken, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	jti := uuid.NewString()

	claims := jwtlib.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"jti": jti,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("ошибка подписи токена: %w", err)
	}

	record := &common.IssuedToken{
		UserID:    userID,
		TokenID:   jti,
		ExpiresAt: exp,
		UserAgent: truncate(userAgent, 500),
		IPAddress: truncate(ip, 50),
	}
	if err := i.store.SaveToken(record); err != nil {
		return "", nil, err
	}
	return signed, record, nil
}

// Verify проверяет подпись, срок и отсутствие отзыва
func (i *Issuer) Verify(token string) (*Claims, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwtlib.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, _ := mapClaims.GetSubject()
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: некорректный sub", ErrInvalidToken)
	}
	jti, _ := mapClaims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: нет jti", ErrInvalidToken)
	}

	record, err := i.store.GetToken(jti)
	if err != nil || record.IsRevoked || record.UserID != userID {
		return nil, ErrRevokedToken
	}
	return &Claims{UserID: userID, TokenID: jti, ExpiresAt: record.ExpiresAt}, nil
}

// Revoke отзывает токен по jti
func (i *Issuer) Revoke(tokenID string) error {
	return i.store.RevokeToken(tokenID)
}

// RevokeAll отзывает все токены пользователя
func (i *Issuer) RevokeAll(userID int64) error {
	n, err := i.store.RevokeUserTokens(userID)
	if err != nil {
		return err
	}
	log.Printf("AUTH: Отозвано токенов пользователя %d: %d", userID, n)
	return nil
}

// CleanupExpired удаляет просроченные токены из хранилища
func (i *Issuer) CleanupExpired() (int64, error) {
	return i.store.DeleteExpiredTokens(i.now())
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
