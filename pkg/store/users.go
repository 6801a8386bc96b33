package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegisterUser inserts a new user row. Fails if the username exists.
func (s *Store) RegisterUser(ctx context.Context, username, password, salt, token string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO User (username, password, salt, token) VALUES (?, ?, ?, ?)",
		username, password, salt, token,
	)
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	return nil
}

// LoginUser replaces the user's session token.
func (s *Store) LoginUser(ctx context.Context, username, token string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE User SET token = ? WHERE username = ?", token, username)
	if err != nil {
		return fmt.Errorf("login user: %w", err)
	}
	return nil
}

// LogoutUser clears the user's session token.
func (s *Store) LogoutUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE User SET token = NULL WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("logout user: %w", err)
	}
	return nil
}

// DeleteUser removes the user and, through cascading foreign keys, every row
// they own. Returns whether the user existed.
func (s *Store) DeleteUser(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM User WHERE username = ?", username)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// UpdateUserPassword replaces the stored password hash and salt.
func (s *Store) UpdateUserPassword(ctx context.Context, username, password, salt string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE User SET password = ?, salt = ? WHERE username = ?",
		password, salt, username,
	)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

// GetUserPassword returns the stored hash and salt, or ok=false when the
// user does not exist.
func (s *Store) GetUserPassword(ctx context.Context, username string) (password, salt string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT password, salt FROM User WHERE username = ?", username,
	).Scan(&password, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get user password: %w", err)
	}
	return password, salt, true, nil
}

// GetUsername resolves a session token to its user, or ok=false.
func (s *Store) GetUsername(ctx context.Context, token string) (username string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT username FROM User WHERE token = ?", token,
	).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get username by token: %w", err)
	}
	return username, true, nil
}

// HasUser reports whether the username is taken.
func (s *Store) HasUser(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM User WHERE username = ?", username,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return true, nil
}

// GetUsernames lists every registered username.
func (s *Store) GetUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username FROM User")
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usernames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		usernames = append(usernames, name)
	}
	return usernames, rows.Err()
}
