package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/n42/mautrix-rocketchat/internal/roommodel"
)

// Member is re-exported so callers building a roommodel.RoomState don't
// need to import both packages for the same concept.
type Member = roommodel.Member

// Client is the behavioral contract this bridge relies on for talking to
// the homeserver. Test doubles implement this interface directly; there is
// no inheritance.
type Client interface {
	CreateRoom(ctx context.Context, req CreateRoomRequest) (roomID string, err error)
	SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgerUserID string) error
	Invite(ctx context.Context, roomID, userID string) error
	Join(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
	ForgetRoom(ctx context.Context, roomID, userID string) error
	PutCanonicalRoomAlias(ctx context.Context, roomID string, alias *string) error
	GetCanonicalRoomAlias(ctx context.Context, roomID string) (alias string, err error)
	DeleteRoomAlias(ctx context.Context, alias string) error
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	GetRoomTopic(ctx context.Context, roomID string) (string, error)
	ResolveAlias(ctx context.Context, alias string) (roomID string, err error)
	SetRoomName(ctx context.Context, roomID, name string) error
	SendTextMessageEvent(ctx context.Context, roomID, senderUserID, text string) (eventID string, err error)
	GetRoomCreator(ctx context.Context, roomID string) (string, error)
	GetRoomMembers(ctx context.Context, roomID string) ([]Member, error)
	SetDisplayName(ctx context.Context, userID, displayName string) error
	RegisterUser(ctx context.Context, userID string) error
}

// CreateRoomRequest is the minimum set of room-creation parameters bridge
// logic needs.
type CreateRoomRequest struct {
	Alias      string
	Name       string
	CreatorID  string // acts as the bot, via the user_id query parameter
	InviteeIDs []string
}

// HTTPClient implements Client over the Matrix client-server + application
// service HTTP APIs using only the standard library.
type HTTPClient struct {
	baseURL  string
	asToken  string
	hsDomain string
	httpc    *http.Client
}

// NewHTTPClient builds a Client against a homeserver at baseURL,
// authenticating application-service requests with asToken.
func NewHTTPClient(baseURL, asToken, hsDomain string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		asToken:  asToken,
		hsDomain: hsDomain,
		httpc:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, asUserID string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + path
	q := url.Values{}
	q.Set("access_token", c.asToken)
	if asUserID != "" {
		q.Set("user_id", asUserID)
	}
	u += "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("matrix request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("matrix request %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode matrix response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	body := map[string]interface{}{
		"room_alias_name": req.Alias,
		"name":            req.Name,
		"invite":          req.InviteeIDs,
		"preset":          "private_chat",
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", req.CreatorID, body, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// SetDefaultPowerLevels sets the baseline for a newly bridged room: bot at
// 100, bridging human at 50, everyone else at default; state requires 50,
// messages require 0.
func (c *HTTPClient) SetDefaultPowerLevels(ctx context.Context, roomID, botUserID, bridgerUserID string) error {
	body := map[string]interface{}{
		"users": map[string]int{
			botUserID:     100,
			bridgerUserID: 50,
		},
		"users_default":    0,
		"events_default":   0,
		"state_default":    50,
		"invite":           0,
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.power_levels", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPut, path, botUserID, body, nil)
}

func (c *HTTPClient) Invite(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, "", map[string]string{"user_id": userID}, nil)
}

func (c *HTTPClient) Join(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, userID, map[string]string{}, nil)
}

func (c *HTTPClient) LeaveRoom(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, userID, map[string]string{}, nil)
}

func (c *HTTPClient) ForgetRoom(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/forget", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, userID, map[string]string{}, nil)
}

func (c *HTTPClient) PutCanonicalRoomAlias(ctx context.Context, roomID string, alias *string) error {
	body := map[string]interface{}{}
	if alias != nil {
		body["alias"] = *alias
	} else {
		body["alias"] = nil
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.canonical_alias", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPut, path, "", body, nil)
}

// GetCanonicalRoomAlias reads back the alias a room was last given via
// PutCanonicalRoomAlias. An empty string with a nil error means no
// canonical alias is set. This is the forward direction of the same
// lookup ResolveAlias performs in reverse — MessageHandler uses it to tell
// whether an arbitrary room is the bridged room for some channel.
func (c *HTTPClient) GetCanonicalRoomAlias(ctx context.Context, roomID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.canonical_alias", url.PathEscape(roomID))
	var out struct {
		Alias string `json:"alias"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return "", nil
		}
		return "", err
	}
	return out.Alias, nil
}

// ResolveAlias looks up the room an alias currently points at. An empty
// roomID with a nil error means the alias is unused — this is how bridge
// and unbridge test "does this channel already have a Matrix room".
func (c *HTTPClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/directory/room/%s", url.PathEscape(alias))
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return "", nil
		}
		return "", err
	}
	return out.RoomID, nil
}

func (c *HTTPClient) DeleteRoomAlias(ctx context.Context, alias string) error {
	path := fmt.Sprintf("/_matrix/client/v3/directory/room/%s", url.PathEscape(alias))
	return c.do(ctx, http.MethodDelete, path, "", nil, nil)
}

func (c *HTTPClient) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.topic", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPut, path, "", map[string]string{"topic": topic}, nil)
}

// GetRoomTopic reads back the admin room's topic. The admin-room protocol
// uses the topic as the sole persisted binding between an admin room and
// the Rocket.Chat server it is connected to — the Store itself holds no
// Matrix-room rows, per the "derived Matrix state" design note.
func (c *HTTPClient) GetRoomTopic(ctx context.Context, roomID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.topic", url.PathEscape(roomID))
	var out struct {
		Topic string `json:"topic"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return "", err
	}
	return out.Topic, nil
}

func (c *HTTPClient) SetRoomName(ctx context.Context, roomID, name string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.name", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPut, path, "", map[string]string{"name": name}, nil)
}

func (c *HTTPClient) SendTextMessageEvent(ctx context.Context, roomID, senderUserID, text string) (string, error) {
	body := map[string]string{"msgtype": "m.text", "body": text}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message", url.PathEscape(roomID))
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, senderUserID, body, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

func (c *HTTPClient) GetRoomCreator(ctx context.Context, roomID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.create", url.PathEscape(roomID))
	var out struct {
		Creator string `json:"creator"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return "", err
	}
	return out.Creator, nil
}

func (c *HTTPClient) GetRoomMembers(ctx context.Context, roomID string) ([]Member, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID))
	var out struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		} `json:"chunk"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(out.Chunk))
	for _, m := range out.Chunk {
		members = append(members, Member{UserID: m.StateKey, Membership: m.Content.Membership})
	}
	return members, nil
}

func (c *HTTPClient) SetDisplayName(ctx context.Context, userID, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID))
	return c.do(ctx, http.MethodPut, path, userID, map[string]string{"displayname": displayName}, nil)
}

// RegisterUser registers a new user in the application-service namespace,
// used by VirtualUserRegistry before a virtual user's first use.
func (c *HTTPClient) RegisterUser(ctx context.Context, userID string) error {
	localpart := roommodel.Localpart(userID)
	body := map[string]interface{}{"type": "m.login.application_service", "username": localpart}
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/register", "", body, nil)
	if err != nil && strings.Contains(err.Error(), "M_USER_IN_USE") {
		// The virtual user already exists — registration is idempotent by
		// design (deterministic virtual user ids), so this is success.
		return nil
	}
	return err
}

var _ Client = (*HTTPClient)(nil)
