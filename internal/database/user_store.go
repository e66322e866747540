package database

import (
	"context"
	"database/sql"
	"fmt"
)

// User is a Matrix user known to the bridge, independent of any particular
// Rocket.Chat server.
type User struct {
	MatrixUserID    string
	Language        string
	LastMessageSent int64
}

type UserStore struct {
	db dbConn
}

const userColumns = "matrix_user_id, language, last_message_sent"

func scanUser(row interface{ Scan(dest ...interface{}) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.MatrixUserID, &u.Language, &u.LastMessageSent); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert inserts or updates a user row. LastMessageSent is only ever raised
// by SetLastMessageSent and is left untouched here.
func (s *UserStore) Upsert(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (matrix_user_id, language, last_message_sent)
		VALUES ($1, $2, $3)
		ON CONFLICT (matrix_user_id) DO UPDATE
		SET language = EXCLUDED.language, updated_at = NOW()
	`, u.MatrixUserID, u.Language, u.LastMessageSent)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// FindByID returns the user with the given Matrix user id, or
// (nil, sql.ErrNoRows) if none exists.
func (s *UserStore) FindByID(ctx context.Context, matrixUserID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE matrix_user_id = $1", matrixUserID)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// SetLastMessageSent records that matrixUserID sent a message at
// unixSeconds, for loop suppression against webhook echoes. The stored
// timestamp only ever moves forward: the update takes the max of the stored
// and the given value.
func (s *UserStore) SetLastMessageSent(ctx context.Context, matrixUserID string, unixSeconds int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (matrix_user_id, last_message_sent)
		VALUES ($1, $2)
		ON CONFLICT (matrix_user_id) DO UPDATE
		SET last_message_sent = GREATEST(users.last_message_sent, EXCLUDED.last_message_sent),
		    updated_at = NOW()
	`, matrixUserID, unixSeconds)
	if err != nil {
		return fmt.Errorf("set last_message_sent: %w", err)
	}
	return nil
}
