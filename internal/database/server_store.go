package database

import (
	"context"
	"database/sql"
	"fmt"
)

// RocketchatServer is a registered Rocket.Chat server. Token is nil until
// `connect` supplies one (or an existing url-only row is upgraded).
type RocketchatServer struct {
	ID    string
	URL   string
	Token *string
}

type ServerStore struct {
	db dbConn
}

const serverColumns = "id, url, token"

func scanServer(row interface{ Scan(dest ...interface{}) error }) (*RocketchatServer, error) {
	var s RocketchatServer
	if err := row.Scan(&s.ID, &s.URL, &s.Token); err != nil {
		return nil, err
	}
	return &s, nil
}

// Insert creates a new server row. Unique-constraint violations on id, url,
// or token are surfaced as the driver's own error, wrapped; they are not
// translated into the berrors catalog here or by the connect command, which
// checks id, url and token with the Find* lookups before inserting.
func (s *ServerStore) Insert(ctx context.Context, server *RocketchatServer) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rocketchat_servers (id, url, token) VALUES ($1, $2, $3)",
		server.ID, server.URL, server.Token)
	if err != nil {
		return fmt.Errorf("insert rocketchat server: %w", err)
	}
	return nil
}

// SetToken upgrades an existing url-only server row with a token.
func (s *ServerStore) SetToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rocketchat_servers SET token = $2, updated_at = NOW() WHERE id = $1",
		id, token)
	if err != nil {
		return fmt.Errorf("set rocketchat server token: %w", err)
	}
	return nil
}

func (s *ServerStore) FindByID(ctx context.Context, id string) (*RocketchatServer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM rocketchat_servers WHERE id = $1", id)
	srv, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find rocketchat server by id: %w", err)
	}
	return srv, nil
}

func (s *ServerStore) FindByURL(ctx context.Context, url string) (*RocketchatServer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM rocketchat_servers WHERE url = $1", url)
	srv, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find rocketchat server by url: %w", err)
	}
	return srv, nil
}

func (s *ServerStore) FindByToken(ctx context.Context, token string) (*RocketchatServer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM rocketchat_servers WHERE token = $1", token)
	srv, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find rocketchat server by token: %w", err)
	}
	return srv, nil
}

// FindConnectedServers returns every server with a non-null token, used by
// the help message's "servers you can log into" listing.
func (s *ServerStore) FindConnectedServers(ctx context.Context) ([]*RocketchatServer, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+serverColumns+" FROM rocketchat_servers WHERE token IS NOT NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("find connected rocketchat servers: %w", err)
	}
	defer rows.Close()

	var out []*RocketchatServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rocketchat server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}
