package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/n42/mautrix-rocketchat/internal/berrors"
	"github.com/n42/mautrix-rocketchat/internal/command"
	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/roommodel"
)

// MessageHandler reacts to m.room.message events: dispatch to CommandHandler
// for admin rooms, to Rocket.Chat's post_chat_message for bridged rooms,
// else ignore.
type MessageHandler struct {
	log             *slog.Logger
	store           *database.Store
	matrixClient    matrix.Client
	commands        *command.Handler
	newRocketchat   command.RocketchatClientFactory
	botUserID       string
	senderLocalpart string
	metrics         *Metrics
}

type MessageHandlerConfig struct {
	Log             *slog.Logger
	Store           *database.Store
	MatrixClient    matrix.Client
	Commands        *command.Handler
	NewRocketchat   command.RocketchatClientFactory
	BotUserID       string
	SenderLocalpart string
	Metrics         *Metrics
}

func NewMessageHandler(cfg MessageHandlerConfig) *MessageHandler {
	return &MessageHandler{
		log:             cfg.Log,
		store:           cfg.Store,
		matrixClient:    cfg.MatrixClient,
		commands:        cfg.Commands,
		newRocketchat:   cfg.NewRocketchat,
		botUserID:       cfg.BotUserID,
		senderLocalpart: cfg.SenderLocalpart,
		metrics:         cfg.Metrics,
	}
}

func (h *MessageHandler) Handle(ctx context.Context, evt matrix.Event) error {
	var content matrix.MessageContent
	if err := decodeContent(evt.Content, &content); err != nil {
		return berrors.Wrap(berrors.KindMalformedJSON, err)
	}

	creator, err := h.matrixClient.GetRoomCreator(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("get room creator: %w", err)
	}
	members, err := h.matrixClient.GetRoomMembers(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("get room members: %w", err)
	}
	state := roommodel.RoomState{RoomID: evt.RoomID, Creator: creator, Members: members}

	if isAdmin, inviter := roommodel.IsAdminRoom(state, h.botUserID); isAdmin && roommodel.IsAdminRoomValid(state, inviter) {
		if h.metrics != nil {
			h.metrics.IncrCommandsProcessed()
		}
		return h.commands.Process(ctx, evt.RoomID, evt.Sender, content.Body)
	}

	return h.handleBridgedRoomMessage(ctx, evt, content.Body)
}

func (h *MessageHandler) handleBridgedRoomMessage(ctx context.Context, evt matrix.Event, body string) error {
	alias, err := h.matrixClient.GetCanonicalRoomAlias(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("get canonical alias: %w", err)
	}
	if alias == "" {
		h.log.Debug("ignoring message in unrecognized room", "room_id", evt.RoomID)
		return nil
	}

	localpart := roommodel.Localpart(alias)
	serverID, channelID, ok := roommodel.ParseBridgedAlias(localpart, h.senderLocalpart)
	if !ok {
		h.log.Debug("ignoring message with unrecognized alias shape", "alias", alias)
		return nil
	}

	server, err := h.store.Servers.FindByID(ctx, serverID)
	if err == sql.ErrNoRows {
		h.log.Debug("ignoring message for unknown server", "server_id", serverID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find server: %w", err)
	}

	row, err := h.store.UsersOnServers.Find(ctx, evt.Sender, serverID)
	if err == sql.ErrNoRows || (err == nil && (row.IsVirtualUser || !row.IsLoggedIn())) {
		h.log.Debug("ignoring message from non-logged-in or virtual user", "sender", evt.Sender)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find user_on_server: %w", err)
	}

	if err := h.store.Users.SetLastMessageSent(ctx, evt.Sender, time.Now().Unix()); err != nil {
		return fmt.Errorf("update last_message_sent: %w", err)
	}

	rcClient, err := h.newRocketchat(ctx, server.URL)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "rocket.chat server is unreachable", err)
	}
	authed := rcClient.WithCredentials(*row.RocketchatUserID, *row.RocketchatAuthToken)

	start := time.Now()
	err = authed.PostChatMessage(ctx, channelID, body)
	if h.metrics != nil {
		h.metrics.ObserveMatrixToRocketchatLatency(time.Since(start))
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncrRocketchatErrors()
		}
		return fmt.Errorf("post chat message: %w", err)
	}
	if h.metrics != nil {
		h.metrics.IncrMatrixToRocketchatForwarded()
	}
	return nil
}
