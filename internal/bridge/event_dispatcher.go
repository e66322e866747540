package bridge

import (
	"context"
	"log/slog"

	"github.com/n42/mautrix-rocketchat/internal/berrors"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
)

// EventDispatcher is the root of Matrix event handling: routes each
// application-service transaction event to RoomHandler or MessageHandler,
// and centralizes error reporting to the originating room.
type EventDispatcher struct {
	log          *slog.Logger
	matrixClient matrix.Client
	rooms        *RoomHandler
	messages     *MessageHandler
	botUserID    string
}

type EventDispatcherConfig struct {
	Log          *slog.Logger
	MatrixClient matrix.Client
	Rooms        *RoomHandler
	Messages     *MessageHandler
	BotUserID    string
}

func NewEventDispatcher(cfg EventDispatcherConfig) *EventDispatcher {
	return &EventDispatcher{
		log:          cfg.Log,
		matrixClient: cfg.MatrixClient,
		rooms:        cfg.Rooms,
		messages:     cfg.Messages,
		botUserID:    cfg.BotUserID,
	}
}

// Dispatch processes a single transaction event. It never returns an error
// for the transport to surface as non-200 — per-event failures are
// reported in-band (to the room) or logged, and the transaction endpoint
// always answers 200 once authenticated.
func (d *EventDispatcher) Dispatch(ctx context.Context, evt matrix.Event) {
	var err error
	switch evt.Type {
	case "m.room.member":
		err = d.rooms.Handle(ctx, evt)
	case "m.room.message":
		err = d.messages.Handle(ctx, evt)
	default:
		d.log.Debug("ignoring unhandled event type", "type", evt.Type, "room_id", evt.RoomID)
		return
	}
	if err == nil {
		return
	}
	d.reportError(ctx, evt, err)
}

func (d *EventDispatcher) reportError(ctx context.Context, evt matrix.Event, err error) {
	bErr, ok := err.(*berrors.Error)
	if !ok || !bErr.HasUserMessage() {
		d.log.Error("event handling failed", "event_id", evt.ID, "type", evt.Type, "room_id", evt.RoomID, "error", err)
		return
	}

	if _, postErr := d.matrixClient.SendTextMessageEvent(ctx, evt.RoomID, d.botUserID, bErr.UserMessage); postErr != nil {
		d.log.Error("failed to post user-visible error to room", "event_id", evt.ID, "room_id", evt.RoomID, "original_error", err, "post_error", postErr)
	}
}
