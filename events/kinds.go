package events

// Kind names one entry of the closed event vocabulary. Every Kind has
// exactly one payload type, see Decode.
type Kind string

const (
	PostCreated       Kind = "POST_CREATED"
	PostUpdated       Kind = "POST_UPDATED"
	PostDeleted       Kind = "POST_DELETED"
	PostLiked         Kind = "POST_LIKED"
	PostUnliked       Kind = "POST_UNLIKED"
	NotificationNew   Kind = "NOTIFICATION_NEW"
	NotificationRead  Kind = "NOTIFICATION_READ"
	UserTyping        Kind = "USER_TYPING"
	UserStoppedTyping Kind = "USER_STOPPED_TYPING"
	UserOnline        Kind = "USER_ONLINE"
	UserOffline       Kind = "USER_OFFLINE"
	SyncRequest       Kind = "SYNC_REQUEST"
	SyncResponse      Kind = "SYNC_RESPONSE"
	Heartbeat         Kind = "HEARTBEAT"
	Connected         Kind = "CONNECTED"
	RoomJoin          Kind = "ROOM_JOIN"
	RoomLeave         Kind = "ROOM_LEAVE"
	Error             Kind = "ERROR"
)

// AllKinds is the registry. Adding a Kind here without a case in Decode
// fails TestDecodeCoversRegistry.
var AllKinds = []Kind{
	PostCreated,
	PostUpdated,
	PostDeleted,
	PostLiked,
	PostUnliked,
	NotificationNew,
	NotificationRead,
	UserTyping,
	UserStoppedTyping,
	UserOnline,
	UserOffline,
	SyncRequest,
	SyncResponse,
	Heartbeat,
	Connected,
	RoomJoin,
	RoomLeave,
	Error,
}

var registered = func() map[Kind]bool {
	m := make(map[Kind]bool, len(AllKinds))
	for _, k := range AllKinds {
		m[k] = true
	}
	return m
}()

// Valid reports whether k is part of the registry.
func (k Kind) Valid() bool {
	return registered[k]
}

// ClientOriginated reports whether a client is allowed to emit k. Content
// events only come from the API layer through the router.
func (k Kind) ClientOriginated() bool {
	switch k {
	case UserTyping, UserStoppedTyping, SyncRequest, Heartbeat, RoomJoin, RoomLeave, NotificationRead:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}
