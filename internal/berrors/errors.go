// Package berrors defines the bridge's tagged error type: every failure that
// can reach a user carries a Kind and an optional localized UserMessage, as
// described by the "error carrying translatable user messages" design note.
package berrors

import "fmt"

// Kind identifies an error case independent of its (localized) message.
type Kind string

const (
	// Admin-room protocol violations.
	KindRoomAlreadyConnected              Kind = "room_already_connected"
	KindRoomNotConnected                  Kind = "room_not_connected"
	KindConnectWithoutServerID            Kind = "connect_without_server_id"
	KindConnectWithInvalidServerID        Kind = "connect_with_invalid_server_id"
	KindRocketchatServerIDAlreadyInUse    Kind = "rocketchat_server_id_already_in_use"
	KindRocketchatServerAlreadyConnected  Kind = "rocketchat_server_already_connected"
	KindRocketchatTokenAlreadyInUse       Kind = "rocketchat_token_already_in_use"
	KindRocketchatTokenMissing            Kind = "rocketchat_token_missing"

	// Bridge/unbridge violations.
	KindRocketchatChannelNotFound      Kind = "rocketchat_channel_not_found"
	KindRocketchatJoinFirst            Kind = "rocketchat_join_first"
	KindRocketchatChannelAlreadyBridged Kind = "rocketchat_channel_already_bridged"
	KindUnbridgeOfNotBridgedRoom       Kind = "unbridge_of_not_bridged_room"
	KindRoomNotEmpty                   Kind = "room_not_empty"

	// Admin-room validation.
	KindInviterUnknown             Kind = "inviter_unknown"
	KindOnlyRoomCreatorCanInvite   Kind = "only_room_creator_can_invite_bot_user"
	KindTooManyUsersInAdminRoom    Kind = "too_many_users_in_admin_room"
	KindInvalidUserID              Kind = "invalid_user_id"
	KindInvalidHostname            Kind = "invalid_hostname"

	// Transport / auth.
	KindAuthMissingToken Kind = "auth_missing_token"
	KindAuthForbidden    Kind = "auth_forbidden"
	KindMalformedJSON    Kind = "malformed_json"
	KindTimeout          Kind = "timeout"
	KindUnknownEventType Kind = "unknown_event_type"
	KindLoginFailed      Kind = "login_failed"
	KindNotReachable     Kind = "not_reachable"
)

// Error is the tagged pair described in the design notes: a machine-readable
// Kind, an optional pre-localized message meant for the originating Matrix
// room, and the underlying cause (if any).
type Error struct {
	Kind        Kind
	UserMessage string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// HasUserMessage reports whether this error should be posted to the
// originating room. Errors with no user-visible form are logged only.
func (e *Error) HasUserMessage() bool { return e.UserMessage != "" }

// New builds an Error with the given kind and user-facing message.
func New(kind Kind, userMessage string) *Error {
	return &Error{Kind: kind, UserMessage: userMessage}
}

// Wrap builds an Error that carries an underlying cause, with no
// user-visible message (logged only, per §7 propagation rules).
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WrapUser builds an Error with both a cause and a user-visible message.
func WrapUser(kind Kind, userMessage string, cause error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, Cause: cause}
}

// Of extracts the Kind of err, if it is (or wraps) a *Error.
func Of(err error) (Kind, bool) {
	var be *Error
	if ok := asError(err, &be); ok {
		return be.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
