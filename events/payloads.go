package events

import "time"

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Kind() Kind
	payload()
}

type PostSummary struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type PostCreatedPayload struct {
	Post PostSummary `json:"post"`
}

type PostUpdatedPayload struct {
	Post PostSummary `json:"post"`
}

type PostDeletedPayload struct {
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
}

type PostLikedPayload struct {
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	LikeCount int64  `json:"likeCount"`
}

type PostUnlikedPayload struct {
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	LikeCount int64  `json:"likeCount"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	ActorID   string    `json:"actorId,omitempty"`
	PostID    string    `json:"postId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationNewPayload struct {
	Notification Notification `json:"notification"`
}

// NotificationReadPayload is relayed to every device of UserID so read
// state stays in sync across devices.
type NotificationReadPayload struct {
	UserID          string   `json:"userId"`
	NotificationIDs []string `json:"notificationIds"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	PostID   string `json:"postId"`
	UserName string `json:"userName,omitempty"`
}

type UserStoppedTypingPayload struct {
	UserID string `json:"userId"`
	PostID string `json:"postId"`
}

type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

type UserOfflinePayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type SyncRequestPayload struct {
	Rooms []string `json:"rooms,omitempty"`
}

// SyncResponsePayload is a snapshot of the answering process at response
// time.
type SyncResponsePayload struct {
	OnlineUsers []string            `json:"onlineUsers"`
	Typing      []UserTypingPayload `json:"typing"`
	Rooms       []string            `json:"rooms"`
	ServerTime  time.Time           `json:"serverTime"`
}

type HeartbeatPayload struct {
	Seq uint64 `json:"seq,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	Rooms        []string `json:"rooms"`
}

type RoomJoinPayload struct {
	Room string `json:"room"`
}

type RoomLeavePayload struct {
	Room string `json:"room"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (PostCreatedPayload) Kind() Kind       { return PostCreated }
func (PostUpdatedPayload) Kind() Kind       { return PostUpdated }
func (PostDeletedPayload) Kind() Kind       { return PostDeleted }
func (PostLikedPayload) Kind() Kind         { return PostLiked }
func (PostUnlikedPayload) Kind() Kind       { return PostUnliked }
func (NotificationNewPayload) Kind() Kind   { return NotificationNew }
func (NotificationReadPayload) Kind() Kind  { return NotificationRead }
func (UserTypingPayload) Kind() Kind        { return UserTyping }
func (UserStoppedTypingPayload) Kind() Kind { return UserStoppedTyping }
func (UserOnlinePayload) Kind() Kind        { return UserOnline }
func (UserOfflinePayload) Kind() Kind       { return UserOffline }
func (SyncRequestPayload) Kind() Kind       { return SyncRequest }
func (SyncResponsePayload) Kind() Kind      { return SyncResponse }
func (HeartbeatPayload) Kind() Kind         { return Heartbeat }
func (ConnectedPayload) Kind() Kind         { return Connected }
func (RoomJoinPayload) Kind() Kind          { return RoomJoin }
func (RoomLeavePayload) Kind() Kind         { return RoomLeave }
func (ErrorPayload) Kind() Kind             { return Error }

func (PostCreatedPayload) payload()       {}
func (PostUpdatedPayload) payload()       {}
func (PostDeletedPayload) payload()       {}
func (PostLikedPayload) payload()         {}
func (PostUnlikedPayload) payload()       {}
func (NotificationNewPayload) payload()   {}
func (NotificationReadPayload) payload()  {}
func (UserTypingPayload) payload()        {}
func (UserStoppedTypingPayload) payload() {}
func (UserOnlinePayload) payload()        {}
func (UserOfflinePayload) payload()       {}
func (SyncRequestPayload) payload()       {}
func (SyncResponsePayload) payload()      {}
func (HeartbeatPayload) payload()         {}
func (ConnectedPayload) payload()         {}
func (RoomJoinPayload) payload()          {}
func (RoomLeavePayload) payload()         {}
func (ErrorPayload) payload()             {}
