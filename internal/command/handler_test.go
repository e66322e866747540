package command

import (
	"context"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/n42/mautrix-rocketchat/internal/berrors"
	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/puppet"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

type fakeMatrix struct {
	matrix.Client
	topics    map[string]string
	aliases   map[string]string
	members   map[string][]matrix.Member
	sent      []string
	clearedAliasRooms []string
	deletedAliases    []string
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		topics:  map[string]string{},
		aliases: map[string]string{},
		members: map[string][]matrix.Member{},
	}
}

func (f *fakeMatrix) GetRoomTopic(ctx context.Context, roomID string) (string, error) {
	return f.topics[roomID], nil
}

func (f *fakeMatrix) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	f.topics[roomID] = topic
	return nil
}

func (f *fakeMatrix) ResolveAlias(ctx context.Context, alias string) (string, error) {
	return f.aliases[alias], nil
}

func (f *fakeMatrix) PutCanonicalRoomAlias(ctx context.Context, roomID string, alias *string) error {
	if alias == nil {
		f.clearedAliasRooms = append(f.clearedAliasRooms, roomID)
		return nil
	}
	f.aliases[*alias] = roomID
	return nil
}

func (f *fakeMatrix) DeleteRoomAlias(ctx context.Context, alias string) error {
	f.deletedAliases = append(f.deletedAliases, alias)
	delete(f.aliases, alias)
	return nil
}

func (f *fakeMatrix) GetRoomMembers(ctx context.Context, roomID string) ([]matrix.Member, error) {
	return f.members[roomID], nil
}

func (f *fakeMatrix) Invite(ctx context.Context, roomID, userID string) error { return nil }
func (f *fakeMatrix) Join(ctx context.Context, roomID, userID string) error   { return nil }
func (f *fakeMatrix) CreateRoom(ctx context.Context, req matrix.CreateRoomRequest) (string, error) {
	return "!created:example.com", nil
}
func (f *fakeMatrix) SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgerUserID string) error {
	return nil
}
func (f *fakeMatrix) SetDisplayName(ctx context.Context, userID, name string) error { return nil }
func (f *fakeMatrix) RegisterUser(ctx context.Context, userID string) error         { return nil }

func (f *fakeMatrix) SendTextMessageEvent(ctx context.Context, roomID, sender, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "$evt", nil
}

type fakeRC struct {
	loginUser, loginPass string
	loginErr             error
	channels             []rocketchat.Channel
}

func (f *fakeRC) WithCredentials(userID, authToken string) rocketchat.Client { return f }
func (f *fakeRC) Login(ctx context.Context, username, password string) (string, string, error) {
	f.loginUser, f.loginPass = username, password
	if f.loginErr != nil {
		return "", "", f.loginErr
	}
	return "rc_uid_1", "tok", nil
}
func (f *fakeRC) ChannelsList(ctx context.Context) ([]rocketchat.Channel, error) { return f.channels, nil }
func (f *fakeRC) DirectMessagesList(ctx context.Context) ([]rocketchat.Channel, error) {
	return nil, nil
}
func (f *fakeRC) UsersInfo(ctx context.Context, username string) (*rocketchat.User, error) {
	return &rocketchat.User{ID: "rc_" + username}, nil
}
func (f *fakeRC) PostChatMessage(ctx context.Context, channelID, text string) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *fakeMatrix, *fakeRC, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStoreForTest(db)

	fm := newFakeMatrix()
	rc := &fakeRC{}
	h := New(Config{
		Log:               slog.Default(),
		Store:             store,
		MatrixClient:      fm,
		Puppets:           puppet.New(slog.Default(), store, fm, "example.com", "rocketchat"),
		NewRocketchat:     func(ctx context.Context, baseURL string) (rocketchat.Client, error) { return rc, nil },
		SenderLocalpart:   "rocketchat",
		HSDomain:          "example.com",
		BotUserID:         "@rocketchat:example.com",
		MaxServerIDLength: 20,
	})
	return h, fm, rc, mock
}

func TestConnect_NewServer(t *testing.T) {
	h, fm, _, mock := newTestHandler(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE url").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))
	mock.ExpectExec("INSERT INTO rocketchat_servers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO users_on_rocketchat_servers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "connect https://rc.example tok1 srv1")
	if err != nil {
		t.Fatalf("Process(connect): %v", err)
	}
	if fm.topics["!admin:example.com"] != "https://rc.example" {
		t.Fatalf("expected topic set to server url, got %q", fm.topics["!admin:example.com"])
	}
}

func TestConnect_InvalidServerID(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "connect https://rc.example tok1 BAD ID")
	if kind, ok := berrors.Of(err); !ok || kind != berrors.KindConnectWithoutServerID {
		t.Fatalf("expected usage error for wrong arg count, got %v", err)
	}
}

func TestConnect_InvalidServerIDFormat(t *testing.T) {
	h, _, _, mock := newTestHandler(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "connect https://rc.example tok1 BAD-ID")
	if kind, ok := berrors.Of(err); !ok || kind != berrors.KindConnectWithInvalidServerID {
		t.Fatalf("expected invalid server id error, got %v", err)
	}
}

func TestLogin_PasswordConcatenatesWithoutSeparator(t *testing.T) {
	h, fm, rc, _ := newTestHandler(t)
	fm.topics["!admin:example.com"] = "https://rc.example"

	db, mock, _ := sqlmock.New()
	defer db.Close()
	h.store = database.NewStoreForTest(db)
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE url").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}).AddRow("srv1", "https://rc.example", "tok1"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users_on_rocketchat_servers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "login alice hunter 2 with spaces")
	if err != nil {
		t.Fatalf("Process(login): %v", err)
	}
	if rc.loginPass != "hunter2withspaces" {
		t.Fatalf("expected concatenated password, got %q", rc.loginPass)
	}
}

func TestHelp_NoServerConnected(t *testing.T) {
	h, fm, _, mock := newTestHandler(t)
	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))

	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "help")
	if err != nil {
		t.Fatalf("Process(help): %v", err)
	}
	if len(fm.sent) != 1 {
		t.Fatalf("expected one message sent, got %v", fm.sent)
	}
}

func TestUnbridge_RoomNotEmpty(t *testing.T) {
	h, fm, rc, mock := newTestHandler(t)
	fm.topics["!admin:example.com"] = "https://rc.example"
	rc.channels = []rocketchat.Channel{{ID: "chan1_id", Name: strPtr("chan1"), Usernames: []string{"alice"}}}
	fm.aliases["#rocketchat_srv1_chan1_id:example.com"] = "!bridged:example.com"
	fm.members["!bridged:example.com"] = []matrix.Member{
		{UserID: "@alice:example.com", Membership: "join"},
	}

	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE url").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}).AddRow("srv1", "https://rc.example", "tok1"))
	rcUserID, authToken, username := "rc_uid_1", "tok", "alice"
	mock.ExpectQuery("SELECT .* FROM users_on_rocketchat_servers WHERE matrix_user_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"matrix_user_id", "rocketchat_server_id", "is_virtual_user",
			"rocketchat_user_id", "rocketchat_auth_token", "rocketchat_username",
		}).AddRow("@alice:example.com", "srv1", false, rcUserID, authToken, username))

	err := h.Process(context.Background(), "!admin:example.com", "@alice:example.com", "unbridge chan1")
	if kind, ok := berrors.Of(err); !ok || kind != berrors.KindRoomNotEmpty {
		t.Fatalf("expected RoomNotEmpty, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
