// Package puppet implements the mapping from (rocketchat_server_id,
// rocketchat_user_id) to a deterministic Matrix virtual user id, and the
// registration/renaming/room-join operations that keep a virtual user
// usable.
package puppet

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/roommodel"
)

// MetricsRecorder is the subset of the bridge's Metrics the registry can
// report to, kept as a local interface so this package doesn't import bridge.
type MetricsRecorder interface {
	IncrPuppetsCreated()
}

// Registry owns virtual-user provisioning for a single bridge instance.
type Registry struct {
	log             *slog.Logger
	store           *database.Store
	matrixClient    matrix.Client
	hsDomain        string
	senderLocalpart string
	metrics         MetricsRecorder
}

func New(log *slog.Logger, store *database.Store, matrixClient matrix.Client, hsDomain, senderLocalpart string) *Registry {
	return &Registry{
		log:             log,
		store:           store,
		matrixClient:    matrixClient,
		hsDomain:        hsDomain,
		senderLocalpart: senderLocalpart,
	}
}

// SetMetrics wires an optional metrics recorder. Safe to leave unset.
func (r *Registry) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// IsPuppet reports whether userID is within the virtual-user namespace this
// bridge owns (but is not the bot's own user id).
func (r *Registry) IsPuppet(userID string) bool {
	localpart := roommodel.Localpart(userID)
	prefix := r.senderLocalpart + "_"
	return strings.HasPrefix(localpart, prefix)
}

// FindOrRegister computes the deterministic virtual user id, registers it
// with the homeserver if this is the first time it's been seen for this
// server, and syncs its display name if the Rocket.Chat username has
// changed. A set_display_name failure is logged and does not prevent the
// caller from proceeding: virtual-user identity never depends on the
// display name having been set successfully.
func (r *Registry) FindOrRegister(ctx context.Context, serverID, rcUserID, username string) (string, error) {
	virtualUserID := roommodel.VirtualUserID(r.hsDomain, r.senderLocalpart, rcUserID, serverID)

	row, err := r.store.UsersOnServers.FindByRocketchatUserID(ctx, serverID, rcUserID, true)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("find virtual user: %w", err)
	}

	if err == sql.ErrNoRows {
		if regErr := r.matrixClient.RegisterUser(ctx, virtualUserID); regErr != nil {
			return "", fmt.Errorf("register virtual user %s: %w", virtualUserID, regErr)
		}

		if err := r.store.Users.Upsert(ctx, &database.User{MatrixUserID: virtualUserID}); err != nil {
			return "", fmt.Errorf("insert virtual user row: %w", err)
		}

		rcUserIDCopy, usernameCopy := rcUserID, username
		newRow := &database.UserOnServer{
			MatrixUserID:       virtualUserID,
			RocketchatServerID: serverID,
			IsVirtualUser:      true,
			RocketchatUserID:   &rcUserIDCopy,
			RocketchatUsername: &usernameCopy,
		}
		if err := r.store.UsersOnServers.Upsert(ctx, newRow); err != nil {
			return "", fmt.Errorf("insert virtual user_on_server row: %w", err)
		}

		if dnErr := r.matrixClient.SetDisplayName(ctx, virtualUserID, username); dnErr != nil {
			r.log.Warn("failed to set virtual user display name", "user_id", virtualUserID, "error", dnErr)
		}
		if r.metrics != nil {
			r.metrics.IncrPuppetsCreated()
		}
		return virtualUserID, nil
	}

	if row.RocketchatUsername == nil || *row.RocketchatUsername != username {
		if dnErr := r.matrixClient.SetDisplayName(ctx, virtualUserID, username); dnErr != nil {
			r.log.Warn("failed to set virtual user display name", "user_id", virtualUserID, "error", dnErr)
		} else {
			usernameCopy := username
			row.RocketchatUsername = &usernameCopy
			if err := r.store.UsersOnServers.Upsert(ctx, row); err != nil {
				return "", fmt.Errorf("update virtual user_on_server row: %w", err)
			}
		}
	}

	return virtualUserID, nil
}

// AddToRoom invites virtualUserID into roomID and has it join, as the bot.
// Idempotent: membership-conflict errors from either call are swallowed.
func (r *Registry) AddToRoom(ctx context.Context, virtualUserID, roomID string) error {
	if err := r.matrixClient.Invite(ctx, roomID, virtualUserID); err != nil && !isAlreadyMemberErr(err) {
		return fmt.Errorf("invite virtual user %s to %s: %w", virtualUserID, roomID, err)
	}
	if err := r.matrixClient.Join(ctx, roomID, virtualUserID); err != nil && !isAlreadyMemberErr(err) {
		return fmt.Errorf("join virtual user %s to %s: %w", virtualUserID, roomID, err)
	}
	return nil
}

func isAlreadyMemberErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in the room") || strings.Contains(msg, "already a member") ||
		strings.Contains(msg, "m_forbidden") && strings.Contains(msg, "already")
}
