package app

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"bookbot/pkg/auth"
	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
	"bookbot/pkg/kv"
)

// ActiveUserKey is the local key-value entry holding the signed-in user id.
const ActiveUserKey = "userId"

const minNameLength = 2

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RegisterInput is the registration form.
type RegisterInput struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Accounts registers users and tracks which one is active on this device.
type Accounts struct {
	store  docstore.Store
	guard  *DuplicateGuard
	local  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewAccounts(store docstore.Store, guard *DuplicateGuard, local kv.Store, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{store: store, guard: guard, local: local, logger: logger, now: time.Now}
}

// Register validates in, creates the user and makes it the active user.
func (a *Accounts) Register(ctx context.Context, in RegisterInput) (domain.UserProfile, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))

	fields := map[string]string{}
	if utf8.RuneCountInString(name) < minNameLength {
		fields["name"] = fmt.Sprintf("must be at least %d characters", minNameLength)
	}
	if !emailPattern.MatchString(email) {
		fields["email"] = "invalid email address"
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		fields["password"] = err.Error()
	}
	if in.Password != in.ConfirmPassword {
		fields["confirmPassword"] = "passwords do not match"
	}
	if len(fields) > 0 {
		return domain.UserProfile{}, &ValidationError{Fields: fields}
	}

	if a.guard.ExistsBy(ctx, domain.CollectionUsers, fieldEmail, email) {
		return domain.UserProfile{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("hash password: %w", err)
	}
	createdAt := a.now().UTC()
	id, err := a.store.Insert(ctx, domain.CollectionUsers, docstore.Fields{
		fieldName:         name,
		fieldEmail:        email,
		fieldPasswordHash: hash,
		fieldCreatedAt:    docstore.FormatTime(createdAt),
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("create user: %w", err)
	}
	if err := a.local.Set(ctx, ActiveUserKey, id); err != nil {
		// The account exists; only the local handle is missing.
		a.logger.Warn("remember active user failed", "user_id", id, "err", err)
	}
	a.logger.Info("user registered", "user_id", id)
	return domain.UserProfile{ID: id, Name: name, Email: email, CreatedAt: createdAt}, nil
}

// Profile loads a user by id.
func (a *Accounts) Profile(ctx context.Context, userID string) (domain.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, ErrUserNotFound
	}
	doc, ok, err := a.store.Get(ctx, domain.CollectionUsers, userID)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.UserProfile{}, ErrUserNotFound
	}
	return decodeUserProfile(doc)
}

// ActiveSession returns the session of the user remembered on this device.
func (a *Accounts) ActiveSession(ctx context.Context) (domain.Session, error) {
	id, ok, err := a.local.Get(ctx, ActiveUserKey)
	if err != nil {
		return domain.Session{}, fmt.Errorf("read active user: %w", err)
	}
	if !ok || id == "" {
		return domain.Session{}, ErrNoActiveUser
	}
	return domain.Session{UserID: id}, nil
}

// SignOut forgets the active user.
func (a *Accounts) SignOut(ctx context.Context) error {
	if err := a.local.Remove(ctx, ActiveUserKey); err != nil {
		return fmt.Errorf("clear active user: %w", err)
	}
	return nil
}
