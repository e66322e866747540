package bridge

import (
	"context"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/n42/mautrix-rocketchat/internal/command"
	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

type fakeMessageMatrix struct {
	matrix.Client
	creator        string
	members        []matrix.Member
	canonicalAlias string
	sent           []string
}

func (f *fakeMessageMatrix) GetRoomCreator(ctx context.Context, roomID string) (string, error) {
	return f.creator, nil
}
func (f *fakeMessageMatrix) GetRoomTopic(ctx context.Context, roomID string) (string, error) {
	return "", nil
}
func (f *fakeMessageMatrix) GetRoomMembers(ctx context.Context, roomID string) ([]matrix.Member, error) {
	return f.members, nil
}
func (f *fakeMessageMatrix) GetCanonicalRoomAlias(ctx context.Context, roomID string) (string, error) {
	return f.canonicalAlias, nil
}
func (f *fakeMessageMatrix) SendTextMessageEvent(ctx context.Context, roomID, sender, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "$evt", nil
}

type fakeMessageRC struct {
	posted []string
	err    error
}

func (f *fakeMessageRC) WithCredentials(userID, authToken string) rocketchat.Client { return f }
func (f *fakeMessageRC) Login(ctx context.Context, username, password string) (string, string, error) {
	return "", "", nil
}
func (f *fakeMessageRC) ChannelsList(ctx context.Context) ([]rocketchat.Channel, error) { return nil, nil }
func (f *fakeMessageRC) DirectMessagesList(ctx context.Context) ([]rocketchat.Channel, error) {
	return nil, nil
}
func (f *fakeMessageRC) UsersInfo(ctx context.Context, username string) (*rocketchat.User, error) {
	return nil, nil
}
func (f *fakeMessageRC) PostChatMessage(ctx context.Context, channelID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, text)
	return nil
}

func messageEvent(roomID, sender, body string) matrix.Event {
	return matrix.Event{
		Type:    "m.room.message",
		RoomID:  roomID,
		Sender:  sender,
		Content: map[string]interface{}{"msgtype": "m.text", "body": body},
	}
}

func TestMessageHandler_AdminRoom_DispatchesToCommands(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	fm := &fakeMessageMatrix{creator: "@alice:example.com", members: []matrix.Member{
		{UserID: "@alice:example.com", Membership: "join"},
		{UserID: "@bot:example.com", Membership: "join"},
	}}
	commands := command.New(command.Config{
		Log: slog.Default(), Store: store, MatrixClient: fm, BotUserID: "@bot:example.com", HSDomain: "example.com",
	})
	metrics := NewMetrics()
	h := NewMessageHandler(MessageHandlerConfig{
		Log: slog.Default(), Store: store, MatrixClient: fm, Commands: commands,
		BotUserID: "@bot:example.com", SenderLocalpart: "rocketchat", Metrics: metrics,
	})

	// "help" with no connected server only touches GetRoomTopic (unset ->
	// embedded nil Client would panic); add it directly on the fake.
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))

	evt := messageEvent("!admin:example.com", "@alice:example.com", "help")
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fm.sent) != 1 {
		t.Errorf("expected help reply sent to admin room, got %v", fm.sent)
	}
}

func TestMessageHandler_BridgedRoom_ForwardsToRocketchat(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	fm := &fakeMessageMatrix{
		creator:        "@bot:example.com",
		canonicalAlias: "#rocketchat_srv1_chan1:example.com",
	}
	rc := &fakeMessageRC{}
	metrics := NewMetrics()
	h := NewMessageHandler(MessageHandlerConfig{
		Log: slog.Default(), Store: store, MatrixClient: fm,
		NewRocketchat: func(ctx context.Context, baseURL string) (rocketchat.Client, error) { return rc, nil },
		BotUserID:     "@bot:example.com", SenderLocalpart: "rocketchat", Metrics: metrics,
	})

	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE id").
		WithArgs("srv1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}).AddRow("srv1", "https://rc.example", "tok1"))

	uid, token := "uid1", "authtok"
	mock.ExpectQuery("SELECT .* FROM users_on_rocketchat_servers WHERE matrix_user_id").
		WithArgs("@alice:example.com", "srv1").
		WillReturnRows(sqlmock.NewRows([]string{
			"matrix_user_id", "rocketchat_server_id", "is_virtual_user",
			"rocketchat_user_id", "rocketchat_auth_token", "rocketchat_username",
		}).AddRow("@alice:example.com", "srv1", false, &uid, &token, nil))

	mock.ExpectExec("INSERT INTO users").
		WithArgs("@alice:example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	evt := messageEvent("!bridged:example.com", "@alice:example.com", "hello from matrix")
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rc.posted) != 1 || rc.posted[0] != "hello from matrix" {
		t.Errorf("expected message forwarded to rocket.chat, got %v", rc.posted)
	}
}

func TestMessageHandler_BridgedRoom_UnrecognizedAlias_Ignored(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	fm := &fakeMessageMatrix{creator: "@bot:example.com"}
	h := NewMessageHandler(MessageHandlerConfig{
		Log: slog.Default(), Store: store, MatrixClient: fm,
		BotUserID: "@bot:example.com", SenderLocalpart: "rocketchat",
	})

	evt := messageEvent("!unknown:example.com", "@alice:example.com", "hello")
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
