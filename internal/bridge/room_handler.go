package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/n42/mautrix-rocketchat/internal/berrors"
	"github.com/n42/mautrix-rocketchat/internal/command"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/roommodel"
)

const defaultAdminRoomName = "Rocket.Chat bridge"

// RoomHandler reacts to m.room.member events: bot invite/join, human
// join/leave, admin-room validation and cleanup.
type RoomHandler struct {
	log                 *slog.Logger
	matrixClient        matrix.Client
	commands            *command.Handler
	botUserID           string
	hsDomain            string
	acceptRemoteInvites bool
	metrics             *Metrics
}

type RoomHandlerConfig struct {
	Log                 *slog.Logger
	MatrixClient        matrix.Client
	Commands            *command.Handler
	BotUserID           string
	HSDomain            string
	AcceptRemoteInvites bool
	Metrics             *Metrics
}

func NewRoomHandler(cfg RoomHandlerConfig) *RoomHandler {
	return &RoomHandler{
		log:                 cfg.Log,
		matrixClient:        cfg.MatrixClient,
		commands:            cfg.Commands,
		botUserID:           cfg.BotUserID,
		hsDomain:            cfg.HSDomain,
		acceptRemoteInvites: cfg.AcceptRemoteInvites,
		metrics:             cfg.Metrics,
	}
}

// Handle dispatches a single m.room.member event: bot invite/join and human
// join/leave each get their own transition table; everything else is
// logged and ignored.
func (h *RoomHandler) Handle(ctx context.Context, evt matrix.Event) error {
	if evt.StateKey == nil {
		return nil
	}
	subject := *evt.StateKey

	var content matrix.MemberContent
	if err := decodeContent(evt.Content, &content); err != nil {
		return berrors.Wrap(berrors.KindMalformedJSON, err)
	}

	if subject == h.botUserID {
		switch content.Membership {
		case "invite":
			return h.handleBotInvite(ctx, evt.RoomID)
		case "join":
			return h.handleBotJoin(ctx, evt.RoomID)
		default:
			h.log.Debug("ignoring bot membership event", "room_id", evt.RoomID, "membership", content.Membership)
			return nil
		}
	}

	switch content.Membership {
	case "join":
		return h.handleHumanJoin(ctx, evt.RoomID, subject)
	case "leave":
		return h.handleHumanLeave(ctx, evt.RoomID, subject)
	default:
		h.log.Debug("ignoring human membership event", "room_id", evt.RoomID, "membership", content.Membership)
		return nil
	}
}

func (h *RoomHandler) handleBotInvite(ctx context.Context, roomID string) error {
	if !h.acceptRemoteInvites && roomHost(roomID) != h.hsDomain {
		h.log.Info("ignoring invite from remote room", "room_id", roomID)
		return nil
	}
	if err := h.matrixClient.Join(ctx, roomID, h.botUserID); err != nil {
		return fmt.Errorf("accept bot invite: %w", err)
	}
	return nil
}

func (h *RoomHandler) handleBotJoin(ctx context.Context, roomID string) error {
	creator, err := h.matrixClient.GetRoomCreator(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room creator: %w", err)
	}

	// A room the bot itself created (a direct-message mirror room bootstrap)
	// is never an admin-room candidate — the bot only needed to join long
	// enough to read membership.
	if creator == h.botUserID {
		if err := h.matrixClient.LeaveRoom(ctx, roomID, h.botUserID); err != nil {
			h.log.Error("failed to leave bot-created room", "room_id", roomID, "error", err)
		}
		return nil
	}

	members, err := h.matrixClient.GetRoomMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room members: %w", err)
	}
	state := roommodel.RoomState{RoomID: roomID, Creator: creator, Members: members}

	isAdmin, inviter := roommodel.IsAdminRoom(state, h.botUserID)
	if !isAdmin {
		return h.rejectAdminRoom(ctx, roomID, inviter, berrors.New(berrors.KindTooManyUsersInAdminRoom, "this room has too many members to be an admin room"))
	}
	if !roommodel.IsAdminRoomValid(state, inviter) {
		return h.rejectAdminRoom(ctx, roomID, inviter, berrors.New(berrors.KindOnlyRoomCreatorCanInvite, "only the room's creator may invite this bot"))
	}

	if err := h.matrixClient.SetRoomName(ctx, roomID, defaultAdminRoomName); err != nil {
		h.log.Error("failed to set admin room name", "room_id", roomID, "error", err)
	}
	if h.metrics != nil {
		h.metrics.IncrAdminRoomsAdopted()
	}
	if inviter != "" {
		if err := h.commands.PostHelp(ctx, roomID, inviter); err != nil {
			h.log.Error("failed to post adoption help", "room_id", roomID, "error", err)
		}
	}
	return nil
}

// rejectAdminRoom notifies the inviter (if there is one to notify) then has
// the bot leave and forget the room — an invalid admin-room candidate is
// not retried.
func (h *RoomHandler) rejectAdminRoom(ctx context.Context, roomID, inviter string, cause *berrors.Error) error {
	if inviter != "" {
		if _, err := h.matrixClient.SendTextMessageEvent(ctx, roomID, h.botUserID, cause.UserMessage); err != nil {
			h.log.Error("failed to notify inviter of rejected admin room", "room_id", roomID, "error", err)
		}
	}
	if err := h.matrixClient.LeaveRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to leave rejected admin room", "room_id", roomID, "error", err)
	}
	if err := h.matrixClient.ForgetRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to forget rejected admin room", "room_id", roomID, "error", err)
	}
	return nil
}

func (h *RoomHandler) handleHumanJoin(ctx context.Context, roomID, sender string) error {
	creator, err := h.matrixClient.GetRoomCreator(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room creator: %w", err)
	}
	members, err := h.matrixClient.GetRoomMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room members: %w", err)
	}
	state := roommodel.RoomState{RoomID: roomID, Creator: creator, Members: members}

	botPresent := false
	joined := state.JoinedMembers()
	for _, m := range joined {
		if m.UserID == h.botUserID {
			botPresent = true
		}
	}
	if !botPresent || len(joined) <= 2 {
		return nil
	}

	// A third joiner in what was an admin room: notify and abandon it.
	if _, err := h.matrixClient.SendTextMessageEvent(ctx, roomID, h.botUserID, "another user joined this admin room; leaving"); err != nil {
		h.log.Error("failed to notify admin room of overcrowding", "room_id", roomID, "error", err)
	}
	if err := h.matrixClient.LeaveRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to leave overcrowded admin room", "room_id", roomID, "error", err)
	}
	if err := h.matrixClient.ForgetRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to forget overcrowded admin room", "room_id", roomID, "error", err)
	}
	return nil
}

func (h *RoomHandler) handleHumanLeave(ctx context.Context, roomID, sender string) error {
	creator, err := h.matrixClient.GetRoomCreator(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room creator: %w", err)
	}
	members, err := h.matrixClient.GetRoomMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room members: %w", err)
	}
	state := roommodel.RoomState{RoomID: roomID, Creator: creator, Members: members}

	isAdmin, inviter := roommodel.IsAdminRoom(state, h.botUserID)
	if !isAdmin || !roommodel.IsAdminRoomValid(state, inviter) {
		return nil
	}
	// The admin room dies with its inviter.
	if err := h.matrixClient.LeaveRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to leave abandoned admin room", "room_id", roomID, "error", err)
	}
	if err := h.matrixClient.ForgetRoom(ctx, roomID, h.botUserID); err != nil {
		h.log.Error("failed to forget abandoned admin room", "room_id", roomID, "error", err)
	}
	return nil
}

func roomHost(roomID string) string {
	idx := strings.IndexByte(roomID, ':')
	if idx < 0 {
		return ""
	}
	return roomID[idx+1:]
}

func decodeContent(content map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
