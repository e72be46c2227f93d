package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

const (
	maxUsernameLength = 32
	// bcrypt 只使用前 72 bytes
	maxPasswordLength = 72
)

// Gate 帳號註冊與登入
type Gate struct {
	store  Store
	tokens *TokenIssuer
	cost   int
	logger *slog.Logger
	now    func() time.Time
}

// NewGate 創建身分驗證入口，cost 超出 bcrypt 範圍時使用預設值
func NewGate(store Store, tokens *TokenIssuer, cost int, logger *slog.Logger) *Gate {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Gate{
		store:  store,
		tokens: tokens,
		cost:   cost,
		logger: logger,
		now:    time.Now,
	}
}

// Register 註冊帳號，名稱已存在時回傳 ErrUserExists
func (g *Gate) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if err := validate(username, password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "hash password")
	}

	cred := Credential{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    g.now().UTC(),
	}
	if err := g.store.Create(ctx, cred); err != nil {
		if errors.Is(err, ErrUserExists) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "store credential")
	}

	g.logger.Info("帳號已註冊", "username", username, "user_id", cred.UserID)
	return nil
}

// Login 驗證密碼並簽發 token
func (g *Gate) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	cred, err := g.store.Get(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", err
		}
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "load credential")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		g.logger.Debug("密碼錯誤", "username", username)
		return "", ErrBadPassword
	}

	token, err := g.tokens.Issue(cred)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "issue token")
	}
	return token, nil
}

// Verify 驗證連線 token，回傳玩家 ID
func (g *Gate) Verify(token string) (string, error) {
	return g.tokens.Verify(token)
}

func validate(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return ErrInvalidCredentials.WithDetails("username too long")
	}
	if len(password) > maxPasswordLength {
		return ErrInvalidCredentials.WithDetails("password too long")
	}
	return nil
}
