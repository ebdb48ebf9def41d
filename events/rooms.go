package events

import "strings"

// PublicRoom is joined by every connection.
const PublicRoom = "public"

const (
	userRoomPrefix      = "user:"
	followingRoomPrefix = "following:"
	postRoomPrefix      = "post:"
)

// UserRoom is joined by every connection of one identity.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// FollowingRoom is joined by the followers of userID and receives that
// user's content events.
func FollowingRoom(userID string) string {
	return followingRoomPrefix + userID
}

// PostRoom is the interest room for a single post; typing indicators are
// scoped to it.
func PostRoom(postID string) string {
	return postRoomPrefix + postID
}

// IsPostRoom reports whether room is a well formed post room. These are the
// only rooms a client may join or leave on its own.
func IsPostRoom(room string) bool {
	id, ok := strings.CutPrefix(room, postRoomPrefix)
	return ok && id != "" && !strings.ContainsAny(id, ": ")
}

// PostIDOf returns the post ID of a post room.
func PostIDOf(room string) (string, bool) {
	if !IsPostRoom(room) {
		return "", false
	}

	return strings.TrimPrefix(room, postRoomPrefix), true
}
