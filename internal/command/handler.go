// Package command implements the admin-room text protocol that drives the
// per-room connection state machine
// Adopted -> Connected(server) -> LoggedIn(server, credentials).
package command

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/n42/mautrix-rocketchat/internal/berrors"
	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/puppet"
	"github.com/n42/mautrix-rocketchat/internal/roommodel"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

// RocketchatClientFactory builds a RocketchatClient for a given server URL,
// validating reachability. Injected so tests can supply a fake without
// hitting the network.
type RocketchatClientFactory func(ctx context.Context, baseURL string) (rocketchat.Client, error)

var serverIDPattern = regexp.MustCompile(`^[0-9a-z_]+$`)

// MetricsRecorder is the subset of the bridge's Metrics the handler can
// report to, kept as a local interface so this package doesn't import bridge.
type MetricsRecorder interface {
	IncrLoginAttempts()
	IncrLoginSuccesses()
	IncrLoginFailures()
	IncrRoomsCreated()
}

// Handler is the CommandHandler.
type Handler struct {
	log               *slog.Logger
	store             *database.Store
	matrixClient      matrix.Client
	puppets           *puppet.Registry
	newRocketchat     RocketchatClientFactory
	senderLocalpart   string
	hsDomain          string
	botUserID         string
	maxServerIDLength int
	metrics           MetricsRecorder
}

type Config struct {
	Log               *slog.Logger
	Store             *database.Store
	MatrixClient      matrix.Client
	Puppets           *puppet.Registry
	NewRocketchat     RocketchatClientFactory
	SenderLocalpart   string
	HSDomain          string
	BotUserID         string
	MaxServerIDLength int
}

func New(cfg Config) *Handler {
	return &Handler{
		log:               cfg.Log,
		store:             cfg.Store,
		matrixClient:      cfg.MatrixClient,
		puppets:           cfg.Puppets,
		newRocketchat:     cfg.NewRocketchat,
		senderLocalpart:   cfg.SenderLocalpart,
		hsDomain:          cfg.HSDomain,
		botUserID:         cfg.BotUserID,
		maxServerIDLength: cfg.MaxServerIDLength,
	}
}

// SetMetrics wires an optional metrics recorder. Safe to leave unset.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// Process dispatches an admin-room text message. The first whitespace token
// selects the command; unrecognized input is ignored with a debug log.
// Returned errors are *berrors.Error; the caller (the dispatcher) is
// responsible for posting user-visible ones back to the room.
func (h *Handler) Process(ctx context.Context, roomID, senderUserID, body string) error {
	tokens := strings.Fields(body)
	if len(tokens) == 0 {
		return nil
	}

	cmd, args := tokens[0], tokens[1:]
	switch cmd {
	case "connect":
		return h.connect(ctx, roomID, senderUserID, args)
	case "login":
		return h.login(ctx, roomID, senderUserID, args)
	case "list":
		return h.list(ctx, roomID, senderUserID)
	case "bridge":
		return h.bridge(ctx, roomID, senderUserID, args)
	case "unbridge":
		return h.unbridge(ctx, roomID, senderUserID, args)
	case "help":
		return h.help(ctx, roomID, senderUserID)
	default:
		h.log.Debug("ignoring unrecognized admin room command", "room_id", roomID, "command", cmd)
		return nil
	}
}

// connectedServer derives the server this admin room is connected to from
// its topic (set by connect), since the Store holds no Matrix-room rows.
// Returns (nil, nil) if the room isn't connected yet.
func (h *Handler) connectedServer(ctx context.Context, roomID string) (*database.RocketchatServer, error) {
	topic, err := h.matrixClient.GetRoomTopic(ctx, roomID)
	if err != nil || topic == "" {
		return nil, nil
	}
	server, err := h.store.Servers.FindByURL(ctx, topic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up connected server: %w", err)
	}
	return server, nil
}

func (h *Handler) send(ctx context.Context, roomID, text string) {
	if _, err := h.matrixClient.SendTextMessageEvent(ctx, roomID, h.botUserID, text); err != nil {
		h.log.Error("failed to post to admin room", "room_id", roomID, "error", err)
	}
}

// --- connect ---

func (h *Handler) connect(ctx context.Context, roomID, sender string, args []string) error {
	server, err := h.connectedServer(ctx, roomID)
	if err != nil {
		return err
	}
	if server != nil {
		return berrors.New(berrors.KindRoomAlreadyConnected, "this room is already connected to a rocket.chat server")
	}

	switch len(args) {
	case 1:
		return h.connectExisting(ctx, roomID, sender, args[0])
	case 3:
		return h.connectNew(ctx, roomID, sender, args[0], args[1], args[2])
	default:
		return berrors.New(berrors.KindConnectWithoutServerID, "usage: connect <url> <token> <id>, or connect <url>")
	}
}

func (h *Handler) connectExisting(ctx context.Context, roomID, sender, url string) error {
	return h.store.Transaction(ctx, func(tx *database.Tx) error {
		server, err := tx.Servers.FindByURL(ctx, url)
		if err == sql.ErrNoRows {
			return berrors.New(berrors.KindRocketchatTokenMissing, "no server known at that url; connect with a token and id first")
		}
		if err != nil {
			return fmt.Errorf("find server by url: %w", err)
		}
		if err := h.adoptServer(ctx, tx, roomID, sender, server); err != nil {
			return err
		}
		return nil
	})
}

func (h *Handler) connectNew(ctx context.Context, roomID, sender, url, token, id string) error {
	if id == "" {
		return berrors.New(berrors.KindConnectWithoutServerID, "a server id is required")
	}
	if len(id) > h.maxServerIDLength || !serverIDPattern.MatchString(id) {
		return berrors.New(berrors.KindConnectWithInvalidServerID, "server id must match [0-9a-z_]+ and fit the configured length limit")
	}

	return h.store.Transaction(ctx, func(tx *database.Tx) error {
		if _, err := tx.Servers.FindByID(ctx, id); err == nil {
			return berrors.New(berrors.KindRocketchatServerIDAlreadyInUse, "that server id is already in use")
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("find server by id: %w", err)
		}

		existing, err := tx.Servers.FindByURL(ctx, url)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("find server by url: %w", err)
		}
		if existing != nil && existing.Token != nil {
			return berrors.New(berrors.KindRocketchatServerAlreadyConnected, "that url is already connected with a token")
		}

		if _, err := tx.Servers.FindByToken(ctx, token); err == nil {
			return berrors.New(berrors.KindRocketchatTokenAlreadyInUse, "that token is already in use")
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("find server by token: %w", err)
		}

		if _, err := h.newRocketchat(ctx, url); err != nil {
			return berrors.WrapUser(berrors.KindNotReachable, "that rocket.chat server could not be reached", err)
		}

		var server *database.RocketchatServer
		if existing != nil {
			if err := tx.Servers.SetToken(ctx, existing.ID, token); err != nil {
				return fmt.Errorf("upgrade server with token: %w", err)
			}
			existing.Token = &token
			server = existing
		} else {
			server = &database.RocketchatServer{ID: id, URL: url, Token: &token}
			if err := tx.Servers.Insert(ctx, server); err != nil {
				return fmt.Errorf("insert server: %w", err)
			}
		}

		return h.adoptServer(ctx, tx, roomID, sender, server)
	})
}

// adoptServer upserts the inviter's (non-virtual, logged-out) row, sets the
// admin room topic to the server url (the persisted room<->server binding),
// and posts help — the shared tail of both connect paths.
func (h *Handler) adoptServer(ctx context.Context, tx *database.Tx, roomID, sender string, server *database.RocketchatServer) error {
	if err := tx.Users.Upsert(ctx, &database.User{MatrixUserID: sender}); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if err := tx.UsersOnServers.Upsert(ctx, &database.UserOnServer{
		MatrixUserID:       sender,
		RocketchatServerID: server.ID,
		IsVirtualUser:      false,
	}); err != nil {
		return fmt.Errorf("upsert user_on_server: %w", err)
	}
	if err := h.matrixClient.SetRoomTopic(ctx, roomID, server.URL); err != nil {
		return fmt.Errorf("set room topic: %w", err)
	}
	h.send(ctx, roomID, h.loginInstructions())
	return nil
}

// --- login ---

func (h *Handler) login(ctx context.Context, roomID, sender string, args []string) error {
	server, err := h.connectedServer(ctx, roomID)
	if err != nil {
		return err
	}
	if server == nil {
		return berrors.New(berrors.KindRoomNotConnected, "connect to a rocket.chat server first")
	}
	if len(args) < 2 {
		return berrors.New(berrors.KindRoomNotConnected, "usage: login <username> <password>")
	}

	username := args[0]
	// Password is the concatenation of the remaining tokens with no
	// separator: the documented contract for passwords containing spaces.
	password := strings.Join(args[1:], "")

	rcClient, err := h.newRocketchat(ctx, server.URL)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "rocket.chat server is unreachable", err)
	}

	if h.metrics != nil {
		h.metrics.IncrLoginAttempts()
	}
	rcUserID, authToken, err := rcClient.Login(ctx, username, password)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncrLoginFailures()
		}
		return berrors.WrapUser(berrors.KindLoginFailed, "login failed, check your rocket.chat credentials", err)
	}
	if h.metrics != nil {
		h.metrics.IncrLoginSuccesses()
	}

	return h.store.Transaction(ctx, func(tx *database.Tx) error {
		if err := tx.UsersOnServers.Upsert(ctx, &database.UserOnServer{
			MatrixUserID:        sender,
			RocketchatServerID:  server.ID,
			IsVirtualUser:       false,
			RocketchatUserID:    &rcUserID,
			RocketchatAuthToken: &authToken,
			RocketchatUsername:  &username,
		}); err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}
		h.send(ctx, roomID, "login successful")
		return nil
	})
}

// --- list ---

func (h *Handler) list(ctx context.Context, roomID, sender string) error {
	server, row, ok, err := h.requireLoggedIn(ctx, roomID, sender)
	if err != nil || !ok {
		return err
	}

	rcClient, err := h.newRocketchat(ctx, server.URL)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "rocket.chat server is unreachable", err)
	}
	authed := rcClient.WithCredentials(*row.RocketchatUserID, *row.RocketchatAuthToken)

	channels, err := authed.ChannelsList(ctx)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "could not list rocket.chat channels", err)
	}

	var lines []string
	for _, ch := range channels {
		name := ch.ID
		if ch.Name != nil {
			name = *ch.Name
		}

		alias := "#" + roommodel.CanonicalAlias(h.senderLocalpart, server.ID, ch.ID) + ":" + h.hsDomain
		bridgedRoomID, _ := h.matrixClient.ResolveAlias(ctx, alias)
		inChannel := row.RocketchatUsername != nil && containsString(ch.Usernames, *row.RocketchatUsername)

		bridgedForSender := false
		if bridgedRoomID != "" {
			members, err := h.matrixClient.GetRoomMembers(ctx, bridgedRoomID)
			if err != nil {
				return fmt.Errorf("get room members: %w", err)
			}
			for _, m := range members {
				if m.UserID == sender && m.Membership == "join" {
					bridgedForSender = true
					break
				}
			}
		}

		switch {
		case bridgedForSender:
			lines = append(lines, "**"+name+"**")
		case inChannel:
			lines = append(lines, "*"+name+"*")
		default:
			lines = append(lines, name)
		}
	}

	h.send(ctx, roomID, strings.Join(lines, "\n"))
	return nil
}

// --- bridge ---

func (h *Handler) bridge(ctx context.Context, roomID, sender string, args []string) error {
	if len(args) != 1 {
		return berrors.New(berrors.KindRocketchatChannelNotFound, "usage: bridge <channel>")
	}
	channelName := args[0]

	server, row, ok, err := h.requireLoggedIn(ctx, roomID, sender)
	if err != nil || !ok {
		return err
	}

	rcClient, err := h.newRocketchat(ctx, server.URL)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "rocket.chat server is unreachable", err)
	}
	authed := rcClient.WithCredentials(*row.RocketchatUserID, *row.RocketchatAuthToken)

	channel, err := findChannel(ctx, authed, channelName)
	if err != nil {
		return err
	}
	if row.RocketchatUsername == nil || !containsString(channel.Usernames, *row.RocketchatUsername) {
		return berrors.New(berrors.KindRocketchatJoinFirst, "join that channel on rocket.chat first")
	}

	alias := "#" + roommodel.CanonicalAlias(h.senderLocalpart, server.ID, channel.ID) + ":" + h.hsDomain
	matrixRoomID, err := h.matrixClient.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("resolve canonical alias: %w", err)
	}

	if matrixRoomID != "" {
		members, err := h.matrixClient.GetRoomMembers(ctx, matrixRoomID)
		if err != nil {
			return fmt.Errorf("get room members: %w", err)
		}
		for _, m := range members {
			if m.UserID == sender && m.Membership == "join" {
				return berrors.New(berrors.KindRocketchatChannelAlreadyBridged, "you're already in that bridged room")
			}
		}
		if err := h.matrixClient.Invite(ctx, matrixRoomID, sender); err != nil {
			return fmt.Errorf("invite requester: %w", err)
		}
	} else {
		matrixRoomID, err = h.bridgeNewRoom(ctx, server, channel, sender, authed)
		if err != nil {
			return err
		}
	}

	if err := h.matrixClient.PutCanonicalRoomAlias(ctx, matrixRoomID, &alias); err != nil {
		return fmt.Errorf("put canonical room alias: %w", err)
	}
	h.send(ctx, roomID, "bridged "+channelName)
	return nil
}

func (h *Handler) bridgeNewRoom(ctx context.Context, server *database.RocketchatServer, channel *rocketchat.Channel, sender string, authed rocketchat.Client) (string, error) {
	name := channel.ID
	if channel.Name != nil {
		name = *channel.Name
	}
	alias := roommodel.CanonicalAlias(h.senderLocalpart, server.ID, channel.ID)

	roomID, err := h.matrixClient.CreateRoom(ctx, matrix.CreateRoomRequest{
		Alias:      alias,
		Name:       name,
		CreatorID:  h.botUserID,
		InviteeIDs: []string{sender},
	})
	if err != nil {
		return "", fmt.Errorf("create bridged room: %w", err)
	}

	if err := h.matrixClient.SetDefaultPowerLevels(ctx, roomID, h.botUserID, sender); err != nil {
		return "", fmt.Errorf("set power levels: %w", err)
	}
	if h.metrics != nil {
		h.metrics.IncrRoomsCreated()
	}

	for _, username := range channel.Usernames {
		rcUser, err := authed.UsersInfo(ctx, username)
		if err != nil {
			h.log.Error("failed to resolve rocketchat user for provisioning", "username", username, "error", err)
			continue
		}
		virtualUserID, err := h.puppets.FindOrRegister(ctx, server.ID, rcUser.ID, username)
		if err != nil {
			h.log.Error("failed to provision virtual user", "username", username, "error", err)
			continue
		}
		if err := h.puppets.AddToRoom(ctx, virtualUserID, roomID); err != nil {
			h.log.Error("failed to add virtual user to room", "user_id", virtualUserID, "error", err)
		}
	}

	return roomID, nil
}

func findChannel(ctx context.Context, client rocketchat.Client, name string) (*rocketchat.Channel, error) {
	channels, err := client.ChannelsList(ctx)
	if err != nil {
		return nil, berrors.WrapUser(berrors.KindNotReachable, "could not list rocket.chat channels", err)
	}
	for _, ch := range channels {
		if ch.Name != nil && *ch.Name == name {
			c := ch
			return &c, nil
		}
	}
	return nil, berrors.New(berrors.KindRocketchatChannelNotFound, "no such rocket.chat channel")
}

// --- unbridge ---

func (h *Handler) unbridge(ctx context.Context, roomID, sender string, args []string) error {
	if len(args) != 1 {
		return berrors.New(berrors.KindUnbridgeOfNotBridgedRoom, "usage: unbridge <channel>")
	}
	channelName := args[0]

	server, row, ok, err := h.requireLoggedIn(ctx, roomID, sender)
	if err != nil || !ok {
		return err
	}

	rcClient, err := h.newRocketchat(ctx, server.URL)
	if err != nil {
		return berrors.WrapUser(berrors.KindNotReachable, "rocket.chat server is unreachable", err)
	}
	authed := rcClient.WithCredentials(*row.RocketchatUserID, *row.RocketchatAuthToken)

	channel, err := findChannel(ctx, authed, channelName)
	if err != nil {
		return err
	}

	alias := "#" + roommodel.CanonicalAlias(h.senderLocalpart, server.ID, channel.ID) + ":" + h.hsDomain
	matrixRoomID, err := h.matrixClient.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("resolve canonical alias: %w", err)
	}
	if matrixRoomID == "" {
		return berrors.New(berrors.KindUnbridgeOfNotBridgedRoom, "that channel isn't bridged")
	}

	members, err := h.matrixClient.GetRoomMembers(ctx, matrixRoomID)
	if err != nil {
		return fmt.Errorf("get room members: %w", err)
	}
	state := roommodel.RoomState{RoomID: matrixRoomID, Members: members}
	if remaining := roommodel.NonVirtualMembers(state, h.senderLocalpart); len(remaining) > 0 {
		return berrors.New(berrors.KindRoomNotEmpty, "room still has members: "+strings.Join(remaining, ", "))
	}

	// Historical quirk, preserved as observed: the canonical alias cleared
	// here is the admin room's, not the bridged room's.
	if err := h.matrixClient.PutCanonicalRoomAlias(ctx, roomID, nil); err != nil {
		return fmt.Errorf("clear admin room alias: %w", err)
	}
	if err := h.matrixClient.DeleteRoomAlias(ctx, alias); err != nil {
		return fmt.Errorf("delete channel alias: %w", err)
	}

	h.send(ctx, roomID, "unbridged "+channelName)
	return nil
}

// --- help ---

func (h *Handler) help(ctx context.Context, roomID, sender string) error {
	h.send(ctx, roomID, h.buildHelpMessage(ctx, roomID, sender))
	return nil
}

// PostHelp posts the same context-sensitive help message the `help`
// command produces. RoomHandler calls this once on successful admin-room
// adoption, without needing its own copy of the help-selection logic.
func (h *Handler) PostHelp(ctx context.Context, roomID, sender string) error {
	return h.help(ctx, roomID, sender)
}

func (h *Handler) buildHelpMessage(ctx context.Context, roomID, sender string) string {
	server, err := h.connectedServer(ctx, roomID)
	if err != nil {
		h.log.Error("failed to determine connected server for help", "error", err)
	}
	if server == nil {
		return h.connectionInstructions(ctx)
	}

	row, err := h.store.UsersOnServers.Find(ctx, sender, server.ID)
	if err != nil || !row.IsLoggedIn() {
		return h.loginInstructions()
	}
	return h.usageInstructions()
}

func (h *Handler) connectionInstructions(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("No rocket.chat server connected to this room. Use: connect <url> <token> <id>\n")
	servers, err := h.store.Servers.FindConnectedServers(ctx)
	if err != nil || len(servers) == 0 {
		b.WriteString("no server connected")
		return b.String()
	}
	b.WriteString("Known servers:\n")
	for _, s := range servers {
		b.WriteString("- " + s.ID + " (" + s.URL + ")\n")
	}
	return b.String()
}

func (h *Handler) loginInstructions() string {
	return "Use: login <username> <password>"
}

func (h *Handler) usageInstructions() string {
	return "Use: list, bridge <channel>, unbridge <channel>"
}

// --- shared guard ---

// requireLoggedIn fetches the room's connected server and the sender's
// credential row. If the room isn't in the LoggedIn state, it posts the
// appropriate help instead of failing the command outright, and ok is
// false so the caller returns without further action.
func (h *Handler) requireLoggedIn(ctx context.Context, roomID, sender string) (*database.RocketchatServer, *database.UserOnServer, bool, error) {
	server, err := h.connectedServer(ctx, roomID)
	if err != nil {
		return nil, nil, false, err
	}
	if server == nil {
		h.send(ctx, roomID, h.connectionInstructions(ctx))
		return nil, nil, false, nil
	}

	row, err := h.store.UsersOnServers.Find(ctx, sender, server.ID)
	if err == sql.ErrNoRows || (err == nil && !row.IsLoggedIn()) {
		h.send(ctx, roomID, h.loginInstructions())
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("find user_on_server: %w", err)
	}
	return server, row, true, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
