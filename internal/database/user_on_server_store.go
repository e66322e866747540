package database

import (
	"context"
	"database/sql"
	"fmt"
)

// UserOnServer is the per-(user, server) credential and virtual-user record.
// A row is "logged in" iff both RocketchatUserID and RocketchatAuthToken are
// set (see IsLoggedIn).
type UserOnServer struct {
	MatrixUserID        string
	RocketchatServerID  string
	IsVirtualUser       bool
	RocketchatUserID    *string
	RocketchatAuthToken *string
	RocketchatUsername  *string
}

// IsLoggedIn reports whether both credential fields are populated, the sole
// definition of "logged in" this bridge uses.
func (u *UserOnServer) IsLoggedIn() bool {
	return u.RocketchatUserID != nil && u.RocketchatAuthToken != nil
}

type UserOnServerStore struct {
	db dbConn
}

const userOnServerColumns = `matrix_user_id, rocketchat_server_id, is_virtual_user,
	rocketchat_user_id, rocketchat_auth_token, rocketchat_username`

func scanUserOnServer(row interface{ Scan(dest ...interface{}) error }) (*UserOnServer, error) {
	var u UserOnServer
	if err := row.Scan(&u.MatrixUserID, &u.RocketchatServerID, &u.IsVirtualUser,
		&u.RocketchatUserID, &u.RocketchatAuthToken, &u.RocketchatUsername); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert creates or updates the (matrix_user_id, rocketchat_server_id) row.
// Two successive upserts with an identical payload must produce identical
// rows.
func (s *UserOnServerStore) Upsert(ctx context.Context, u *UserOnServer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users_on_rocketchat_servers
			(matrix_user_id, rocketchat_server_id, is_virtual_user,
			 rocketchat_user_id, rocketchat_auth_token, rocketchat_username)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (matrix_user_id, rocketchat_server_id) DO UPDATE
		SET is_virtual_user = EXCLUDED.is_virtual_user,
		    rocketchat_user_id = EXCLUDED.rocketchat_user_id,
		    rocketchat_auth_token = EXCLUDED.rocketchat_auth_token,
		    rocketchat_username = EXCLUDED.rocketchat_username,
		    updated_at = NOW()
	`, u.MatrixUserID, u.RocketchatServerID, u.IsVirtualUser,
		u.RocketchatUserID, u.RocketchatAuthToken, u.RocketchatUsername)
	if err != nil {
		return fmt.Errorf("upsert user_on_server: %w", err)
	}
	return nil
}

// Find returns the row for (matrixUserID, serverID), or
// (nil, sql.ErrNoRows) if none exists.
func (s *UserOnServerStore) Find(ctx context.Context, matrixUserID, serverID string) (*UserOnServer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userOnServerColumns+" FROM users_on_rocketchat_servers WHERE matrix_user_id = $1 AND rocketchat_server_id = $2",
		matrixUserID, serverID)
	u, err := scanUserOnServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user_on_server: %w", err)
	}
	return u, nil
}

// FindByRocketchatUserID looks up the row for a given server by the remote
// Rocket.Chat user id, scoped to virtual or non-virtual rows. This is the
// lookup VirtualUserRegistry and loop suppression both use.
func (s *UserOnServerStore) FindByRocketchatUserID(ctx context.Context, serverID, rcUserID string, isVirtual bool) (*UserOnServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userOnServerColumns+` FROM users_on_rocketchat_servers
		WHERE rocketchat_server_id = $1 AND rocketchat_user_id = $2 AND is_virtual_user = $3
	`, serverID, rcUserID, isVirtual)
	u, err := scanUserOnServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user_on_server by rocketchat_user_id: %w", err)
	}
	return u, nil
}

// FindLoggedInOwner returns the first non-virtual, logged-in row for a
// server, used to pick the human side of a direct-message mirror room in
// the single-human-per-server deployment shape (the "DM mirror room
// lifecycle" design note's concrete choice).
func (s *UserOnServerStore) FindLoggedInOwner(ctx context.Context, serverID string) (*UserOnServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userOnServerColumns+` FROM users_on_rocketchat_servers
		WHERE rocketchat_server_id = $1 AND is_virtual_user = false
		  AND rocketchat_user_id IS NOT NULL AND rocketchat_auth_token IS NOT NULL
		ORDER BY matrix_user_id
		LIMIT 1
	`, serverID)
	u, err := scanUserOnServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find logged-in owner: %w", err)
	}
	return u, nil
}
