package directmessage

// NoLogID is the sentinel for "no log": an unset watermark or an empty hide cursor.
const NoLogID int64 = -1

// Room is a two-party conversation container.
type Room struct {
	ID                  int64 `json:"id"`
	StartInclusiveLogID int64 `json:"start_inclusive_log_id"`
}

// Membership is one participant's record in a room.
type Membership struct {
	RoomID    int64 `json:"room_id"`
	UserID    int64 `json:"user_id"`
	HideLogID int64 `json:"hide_log_id"`
}

// Log is one message in a room. Date is seconds since the Unix epoch.
type Log struct {
	ID       int64  `json:"id"`
	RoomID   int64  `json:"room_id"`
	MemberID int64  `json:"member_id"`
	Content  string `json:"content"`
	Date     int64  `json:"date"`
	IsHTML   bool   `json:"is_html"`
	IsLiked  bool   `json:"is_liked"`
}

// RoomSummary is one row of a user's room listing.
type RoomSummary struct {
	RoomID          int64  `json:"room_id"`
	CounterpartID   int64  `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
	LastLogID       int64  `json:"last_log_id"`
	HideLogID       int64  `json:"hide_log_id"`
}

// AppendRecord is a normalized log insert payload.
type AppendRecord struct {
	RoomID   int64
	AuthorID int64
	Content  string
	Date     int64
	IsHTML   bool
}
