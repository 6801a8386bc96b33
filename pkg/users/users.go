// Package users implements account management: registration, login tokens,
// password changes and deletion.
package users

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/citehub/citehub/pkg/store"
)

const (
	minPasswordLength = 5
	maxDetailsLength  = 128
	saltBytes         = 16
)

var usernameRE = regexp.MustCompile(`^[a-z]+$`)

// argon2id parameters; changing them invalidates stored hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// ValidationError is a user-visible reason for rejecting a request. Handlers
// surface it as HTTP 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Manager performs account operations against the store.
type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

func checkPassword(password string) error {
	if len(password) < minPasswordLength {
		return invalid("password must be at least %d characters long", minPasswordLength)
	}
	if len(password) > maxDetailsLength {
		return invalid("password must be %d characters long or less", maxDetailsLength)
	}
	return nil
}

// Register creates the account and returns a fresh session token.
func (m *Manager) Register(ctx context.Context, username, password string) (string, error) {
	if len(username) > maxDetailsLength {
		return "", invalid("username must be %d characters long or less", maxDetailsLength)
	}
	if !usernameRE.MatchString(username) {
		return "", invalid("username must use lowercase ascii letters only")
	}
	if err := checkPassword(password); err != nil {
		return "", err
	}

	taken, err := m.store.HasUser(ctx, username)
	if err != nil {
		return "", err
	}
	if taken {
		return "", invalid("username is already occupied")
	}

	hash, salt, err := hashPassword(password, nil)
	if err != nil {
		return "", err
	}
	token, err := m.genToken(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.RegisterUser(ctx, username, hash, salt, token); err != nil {
		return "", err
	}
	return token, nil
}

// Login verifies the credentials and rotates the session token. Unknown
// usernames and wrong passwords share one reason string on purpose.
func (m *Manager) Login(ctx context.Context, username, password string) (string, error) {
	badInfo := invalid("invalid username or password")

	savedHash, salt, ok, err := m.store.GetUserPassword(ctx, username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", badInfo
	}

	if !verifyPassword(password, salt, savedHash) {
		return "", badInfo
	}

	token, err := m.genToken(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.LoginUser(ctx, username, token); err != nil {
		return "", err
	}
	return token, nil
}

// Logout revokes the user's session token.
func (m *Manager) Logout(ctx context.Context, username string) error {
	return m.store.LogoutUser(ctx, username)
}

// Delete removes the account and everything it owns.
func (m *Manager) Delete(ctx context.Context, username string) (bool, error) {
	return m.store.DeleteUser(ctx, username)
}

// UsernameOf resolves a session token.
func (m *Manager) UsernameOf(ctx context.Context, token string) (string, bool, error) {
	return m.store.GetUsername(ctx, token)
}

// ChangePassword verifies the old password before storing a new hash.
func (m *Manager) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	savedHash, salt, ok, err := m.store.GetUserPassword(ctx, username)
	if err != nil {
		return err
	}
	if !ok || !verifyPassword(oldPassword, salt, savedHash) {
		return invalid("old password did not match")
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}

	hash, newSalt, err := hashPassword(newPassword, nil)
	if err != nil {
		return err
	}
	return m.store.UpdateUserPassword(ctx, username, hash, newSalt)
}

// genToken draws session tokens until one is unused. Collisions are
// vanishingly rare but a duplicate token would log someone else out.
func (m *Manager) genToken(ctx context.Context) (string, error) {
	for {
		token := uuid.NewString()
		if _, ok, err := m.store.GetUsername(ctx, token); err != nil {
			return "", err
		} else if !ok {
			return token, nil
		}
	}
}

// hashPassword derives an argon2id hash; a nil salt means "generate one".
// Both return values are hex strings.
func hashPassword(password string, salt []byte) (string, string, error) {
	if salt == nil {
		salt = make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return "", "", fmt.Errorf("generate salt: %w", err)
		}
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(key), hex.EncodeToString(salt), nil
}

func verifyPassword(password, saltHex, savedHash string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	hash, _, err := hashPassword(password, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(savedHash)) == 1
}
