// Package matrix is a typed wrapper over the Matrix client-server and
// application-service HTTP APIs, plus the application-service
// transaction/event types the AS HTTP surface decodes.
package matrix

// Event is an application-service transaction event, decoded from the
// homeserver's PUT /transactions/{txnId} body.
type Event struct {
	ID             string                 `json:"event_id"`
	Type           string                 `json:"type"`
	RoomID         string                 `json:"room_id"`
	Sender         string                 `json:"sender"`
	Content        map[string]interface{} `json:"content"`
	Unsigned       map[string]interface{} `json:"unsigned,omitempty"`
	StateKey       *string                `json:"state_key,omitempty"`
	OriginServerTS int64                  `json:"origin_server_ts"`
}

// Transaction is the body of PUT /transactions/{txnId}.
type Transaction struct {
	Events []Event `json:"events"`
}

// MemberContent is the decoded content of an m.room.member event.
type MemberContent struct {
	Membership string `json:"membership"`
}

// MessageContent is the decoded content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// PrevSender returns the value of unsigned.prev_sender on a member event —
// who performed the invite.
func (e Event) PrevSender() string {
	if e.Unsigned == nil {
		return ""
	}
	v, _ := e.Unsigned["prev_sender"].(string)
	return v
}
