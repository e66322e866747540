// Package roommodel provides pure functions over live Matrix room state.
// Matrix room role is never cached in the Store — every answer here is
// recomputed from the state handed in.
package roommodel

import (
	"fmt"
	"strings"
)

// Member is the subset of Matrix room-member state the model needs.
type Member struct {
	UserID     string
	Membership string // "join", "invite", "leave"
}

// RoomState is the live Matrix state a caller assembles (via MatrixClient)
// before asking the model a question about it.
type RoomState struct {
	RoomID         string
	CanonicalAlias string
	Creator        string
	Members        []Member
}

// JoinedMembers returns only members whose membership is "join".
func (r RoomState) JoinedMembers() []Member {
	out := make([]Member, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Membership == "join" {
			out = append(out, m)
		}
	}
	return out
}

// IsAdminRoom reports whether room is shaped like an admin room: the bot is
// a (joined) member and total joined members <= 2. If a second member is
// present, inviter is that member's user id — the caller must separately
// check inviter == room creator (IsAdminRoomValid) before treating the room
// as adopted.
func IsAdminRoom(r RoomState, botUserID string) (isAdminRoom bool, inviter string) {
	joined := r.JoinedMembers()
	if len(joined) > 2 {
		return false, ""
	}
	botPresent := false
	for _, m := range joined {
		if m.UserID == botUserID {
			botPresent = true
		} else {
			inviter = m.UserID
		}
	}
	return botPresent, inviter
}

// IsAdminRoomValid reports whether an admin-room candidate satisfies the
// adoption rule: the sole other member (if any) equals the room's creator.
// An admin room with only the bot in it (inviter == "") is valid and
// waiting for its human to speak.
func IsAdminRoomValid(r RoomState, inviter string) bool {
	if inviter == "" {
		return true
	}
	return inviter == r.Creator
}

// CanonicalAlias computes the persistent binding from (serverID, channelID)
// to a Matrix room alias. This is the sole store of that relationship — the
// Store holds no Matrix-room rows.
func CanonicalAlias(senderLocalpart, serverID, channelID string) string {
	return fmt.Sprintf("%s_%s_%s", senderLocalpart, serverID, channelID)
}

// ParseBridgedAlias reverses CanonicalAlias. ok is false if localpart isn't
// of the bridged-room shape.
func ParseBridgedAlias(localpart, senderLocalpart string) (serverID, channelID string, ok bool) {
	prefix := senderLocalpart + "_"
	if !strings.HasPrefix(localpart, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(localpart, prefix)
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// VirtualUserID computes the deterministic Matrix user id for a Rocket.Chat
// user on a given server. This encoding is normative: the same Rocket.Chat
// user on the same server always maps to the same Matrix id.
func VirtualUserID(hsDomain, senderLocalpart, rcUserID, serverID string) string {
	return fmt.Sprintf("@%s_%s_%s:%s", senderLocalpart, rcUserID, serverID, hsDomain)
}

// IsDMRoomLocalpart reports whether localpart matches the direct-message
// mirror room pattern `${other_user}DMRocketChat`, returning the other
// user's Rocket.Chat user id.
func IsDMRoomLocalpart(localpart string) (otherUser string, ok bool) {
	const suffix = "DMRocketChat"
	if !strings.HasSuffix(localpart, suffix) || len(localpart) == len(suffix) {
		return "", false
	}
	return strings.TrimSuffix(localpart, suffix), true
}

// DMRoomLocalpart is the inverse of IsDMRoomLocalpart.
func DMRoomLocalpart(otherUser string) string {
	return otherUser + "DMRocketChat"
}

// NonVirtualMembers returns the joined members whose local-part does not
// begin with senderLocalpart — i.e. excludes the bot and every virtual user.
func NonVirtualMembers(r RoomState, senderLocalpart string) []string {
	prefix := "@" + senderLocalpart
	var out []string
	for _, m := range r.JoinedMembers() {
		if !strings.HasPrefix(m.UserID, prefix) {
			out = append(out, m.UserID)
		}
	}
	return out
}

// Localpart extracts the local-part of a Matrix id of the form "@foo:bar"
// or an alias "#foo:bar". Returns "" if id isn't in that shape.
func Localpart(id string) string {
	if len(id) < 2 {
		return ""
	}
	rest := id[1:]
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		return rest[:idx]
	}
	return ""
}
