package rocketchat

// Message is Rocket.Chat's outgoing-webhook payload, decoded by the
// webhook handler that forwards it into Matrix.
type Message struct {
	MessageID   string  `json:"message_id"`
	Token       string  `json:"token"`
	ChannelID   string  `json:"channel_id"`
	ChannelName *string `json:"channel_name"`
	UserID      string  `json:"user_id"`
	UserName    string  `json:"user_name"`
	Text        string  `json:"text"`
}

// IsDirectMessage reports whether this webhook delivery came from a direct
// message rather than a channel.
func (m Message) IsDirectMessage() bool {
	return m.ChannelName == nil
}
