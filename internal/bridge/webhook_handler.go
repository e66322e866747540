package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/puppet"
	"github.com/n42/mautrix-rocketchat/internal/roommodel"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

// WebhookHandler is the Rocket.Chat -> Matrix ingress at POST /rocketchat.
type WebhookHandler struct {
	log             *slog.Logger
	store           *database.Store
	matrixClient    matrix.Client
	puppets         *puppet.Registry
	hsDomain        string
	senderLocalpart string
	botUserID       string
	loopWindow      time.Duration
	metrics         *Metrics
}

type WebhookHandlerConfig struct {
	Log             *slog.Logger
	Store           *database.Store
	MatrixClient    matrix.Client
	Puppets         *puppet.Registry
	HSDomain        string
	SenderLocalpart string
	BotUserID       string
	LoopWindow      time.Duration
	Metrics         *Metrics
}

func NewWebhookHandler(cfg WebhookHandlerConfig) *WebhookHandler {
	if cfg.LoopWindow == 0 {
		cfg.LoopWindow = 5 * time.Second
	}
	return &WebhookHandler{
		log:             cfg.Log,
		store:           cfg.Store,
		matrixClient:    cfg.MatrixClient,
		puppets:         cfg.Puppets,
		hsDomain:        cfg.HSDomain,
		senderLocalpart: cfg.SenderLocalpart,
		botUserID:       cfg.BotUserID,
		loopWindow:      cfg.LoopWindow,
		metrics:         cfg.Metrics,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg rocketchat.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed json", http.StatusUnprocessableEntity)
		return
	}

	if msg.Token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	server, err := h.store.Servers.FindByToken(ctx, msg.Token)
	if err == sql.ErrNoRows {
		http.Error(w, "unknown token", http.StatusForbidden)
		return
	}
	if err != nil {
		h.log.Error("failed to look up server by token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	roomID, dropped, err := h.resolveRoom(ctx, server, msg)
	if err != nil {
		h.log.Error("failed to resolve target room", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dropped {
		if h.metrics != nil {
			h.metrics.IncrWebhooksDropped()
		}
		jsonOK(w)
		return
	}

	if h.isLoopback(ctx, server.ID, msg) {
		if h.metrics != nil {
			h.metrics.IncrWebhooksDropped()
		}
		jsonOK(w)
		return
	}

	virtualUserID, err := h.puppets.FindOrRegister(ctx, server.ID, msg.UserID, msg.UserName)
	if err != nil {
		h.log.Error("failed to provision virtual user for webhook", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.puppets.AddToRoom(ctx, virtualUserID, roomID); err != nil {
		h.log.Error("failed to add virtual user to room", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	_, err = h.matrixClient.SendTextMessageEvent(ctx, roomID, virtualUserID, msg.Text)
	if h.metrics != nil {
		h.metrics.ObserveRocketchatToMatrixLatency(time.Since(start))
	}
	if err != nil {
		h.log.Error("failed to send matrix message", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.IncrWebhooksProcessed()
		h.metrics.IncrRocketchatToMatrixForwarded()
	}
	jsonOK(w)
}

// resolveRoom finds (or creates, for a direct message) the Matrix room a
// webhook delivery belongs in. dropped is true when there is nowhere to
// deliver the message and none can be created.
func (h *WebhookHandler) resolveRoom(ctx context.Context, server *database.RocketchatServer, msg rocketchat.Message) (roomID string, dropped bool, err error) {
	var alias string
	if !msg.IsDirectMessage() {
		alias = "#" + roommodel.CanonicalAlias(h.senderLocalpart, server.ID, msg.ChannelID) + ":" + h.hsDomain
		roomID, err = h.matrixClient.ResolveAlias(ctx, alias)
		if err != nil {
			return "", false, err
		}
		if roomID == "" {
			return "", true, nil
		}
		return roomID, false, nil
	}

	localpart := roommodel.DMRoomLocalpart(msg.UserID)
	alias = "#" + localpart + ":" + h.hsDomain
	roomID, err = h.matrixClient.ResolveAlias(ctx, alias)
	if err != nil {
		return "", false, err
	}
	if roomID != "" {
		return roomID, false, nil
	}

	owner, err := h.store.UsersOnServers.FindLoggedInOwner(ctx, server.ID)
	if err == sql.ErrNoRows {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}

	roomID, err = h.matrixClient.CreateRoom(ctx, matrix.CreateRoomRequest{
		Alias:      localpart,
		Name:       msg.UserName,
		CreatorID:  h.botUserID,
		InviteeIDs: []string{owner.MatrixUserID},
	})
	if err != nil {
		return "", false, err
	}
	return roomID, false, nil
}

// isLoopback suppresses a webhook echo of a message the same Rocket.Chat-
// linked human just sent from Matrix.
func (h *WebhookHandler) isLoopback(ctx context.Context, serverID string, msg rocketchat.Message) bool {
	row, err := h.store.UsersOnServers.FindByRocketchatUserID(ctx, serverID, msg.UserID, false)
	if err != nil {
		return false
	}
	user, err := h.store.Users.FindByID(ctx, row.MatrixUserID)
	if err != nil {
		return false
	}
	elapsed := time.Since(time.Unix(user.LastMessageSent, 0))
	return elapsed >= 0 && elapsed < h.loopWindow
}

func jsonOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{}`))
}
