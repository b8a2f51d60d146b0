package dmapi

import (
	"dmroom/cmd/internal/directmessage"
	"dmroom/cmd/internal/notify"
)

type roomsResponse struct {
	Rooms []directmessage.RoomSummary `json:"rooms"`
}

type logsResponse struct {
	Logs []directmessage.Log `json:"logs"`
}

type roomIDResponse struct {
	RoomID int64 `json:"room_id"`
}

type counterpartResponse struct {
	CounterpartID int64 `json:"counterpart_id"`
}

type membershipResponse struct {
	IsMember  bool  `json:"is_member"`
	HideLogID int64 `json:"hide_log_id"`
}

type appendRequest struct {
	Content string `json:"content"`
}

type appendResponse struct {
	LogID int64 `json:"log_id"`
}

// hideRequest sets the cursor to LogID, or to the room's last log when All is true.
type hideRequest struct {
	LogID *int64 `json:"log_id,omitempty"`
	All   bool   `json:"all,omitempty"`
}

type hideResponse struct {
	HideLogID int64 `json:"hide_log_id"`
}

type likeRequest struct {
	Liked bool `json:"liked"`
}

type notificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
}
