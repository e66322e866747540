package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/puppet"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

type fakeWebhookMatrix struct {
	matrix.Client
	aliases map[string]string
	sent    []string
}

func (f *fakeWebhookMatrix) ResolveAlias(ctx context.Context, alias string) (string, error) {
	return f.aliases[alias], nil
}
func (f *fakeWebhookMatrix) CreateRoom(ctx context.Context, req matrix.CreateRoomRequest) (string, error) {
	return "!created:example.com", nil
}
func (f *fakeWebhookMatrix) Invite(ctx context.Context, roomID, userID string) error { return nil }
func (f *fakeWebhookMatrix) Join(ctx context.Context, roomID, userID string) error   { return nil }
func (f *fakeWebhookMatrix) RegisterUser(ctx context.Context, userID string) error   { return nil }
func (f *fakeWebhookMatrix) SetDisplayName(ctx context.Context, userID, name string) error {
	return nil
}
func (f *fakeWebhookMatrix) SendTextMessageEvent(ctx context.Context, roomID, sender, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "$evt", nil
}

func postWebhook(h *WebhookHandler, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/rocketchat", bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_UnknownToken_Rejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token").
		WithArgs("bogus").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}))

	h := NewWebhookHandler(WebhookHandlerConfig{
		Log: slog.Default(), Store: store, HSDomain: "example.com", SenderLocalpart: "rocketchat",
	})

	w := postWebhook(h, rocketchat.Message{Token: "bogus", ChannelID: "chan1", ChannelName: strPtr("general"), UserID: "u1", UserName: "bob", Text: "hi"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unknown token, got %d", w.Code)
	}
}

func TestWebhookHandler_MissingToken_Rejected(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	h := NewWebhookHandler(WebhookHandlerConfig{
		Log: slog.Default(), Store: store, HSDomain: "example.com", SenderLocalpart: "rocketchat",
	})

	w := postWebhook(h, rocketchat.Message{ChannelID: "chan1", ChannelName: strPtr("general"), UserID: "u1", UserName: "bob", Text: "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing token, got %d", w.Code)
	}
}

func TestWebhookHandler_UnbridgedChannel_Dropped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token").
		WithArgs("tok1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}).AddRow("srv1", "https://rc.example", "tok1"))

	fm := &fakeWebhookMatrix{aliases: map[string]string{}}
	metrics := NewMetrics()
	h := NewWebhookHandler(WebhookHandlerConfig{
		Log: slog.Default(), Store: store, MatrixClient: fm, HSDomain: "example.com",
		SenderLocalpart: "rocketchat", Metrics: metrics,
	})

	w := postWebhook(h, rocketchat.Message{Token: "tok1", ChannelID: "chan1", ChannelName: strPtr("general"), UserID: "u1", UserName: "bob", Text: "hi"})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 (dropped silently), got %d", w.Code)
	}
	if len(fm.sent) != 0 {
		t.Errorf("expected nothing delivered for unbridged channel, got %v", fm.sent)
	}
}

func TestWebhookHandler_BridgedChannel_Delivered(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := database.NewStoreForTest(db)

	mock.ExpectQuery("SELECT .* FROM rocketchat_servers WHERE token").
		WithArgs("tok1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "token"}).AddRow("srv1", "https://rc.example", "tok1"))

	// isLoopback's lookup finds no row for this rocketchat user -> not a loopback.
	mock.ExpectQuery("SELECT .* FROM users_on_rocketchat_servers").
		WillReturnRows(sqlmock.NewRows([]string{
			"matrix_user_id", "rocketchat_server_id", "is_virtual_user",
			"rocketchat_user_id", "rocketchat_auth_token", "rocketchat_username",
		}))

	// FindOrRegister: first time seeing this rocketchat user.
	mock.ExpectQuery("SELECT .* FROM users_on_rocketchat_servers").
		WillReturnRows(sqlmock.NewRows([]string{
			"matrix_user_id", "rocketchat_server_id", "is_virtual_user",
			"rocketchat_user_id", "rocketchat_auth_token", "rocketchat_username",
		}))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO users_on_rocketchat_servers").WillReturnResult(sqlmock.NewResult(0, 1))

	fm := &fakeWebhookMatrix{aliases: map[string]string{
		"#rocketchat_srv1_chan1:example.com": "!bridged:example.com",
	}}
	metrics := NewMetrics()
	h := NewWebhookHandler(WebhookHandlerConfig{
		Log: slog.Default(), Store: store, MatrixClient: fm,
		Puppets:         puppet.New(slog.Default(), store, fm, "example.com", "rocketchat"),
		HSDomain:        "example.com",
		SenderLocalpart: "rocketchat",
		BotUserID:       "@bot:example.com",
		LoopWindow:      5 * time.Second,
		Metrics:         metrics,
	})

	w := postWebhook(h, rocketchat.Message{Token: "tok1", ChannelID: "chan1", ChannelName: strPtr("general"), UserID: "u1", UserName: "bob", Text: "hi from rc"})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(fm.sent) != 1 || fm.sent[0] != "hi from rc" {
		t.Errorf("expected message delivered to matrix, got %v", fm.sent)
	}
}

func strPtr(s string) *string { return &s }
