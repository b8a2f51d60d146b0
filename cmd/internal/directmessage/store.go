package directmessage

import (
	"context"

	"dmroom/cmd/internal/rangereq"
)

// Store is the persistence boundary for rooms, memberships and logs.
//
// Booleans report presence: false with a nil error means "no such row" (or, for
// AppendLog, "author is not a member"). Mutating methods run in one transaction each.
type Store interface {
	// ResolveRoom returns the room shared by a and b.
	ResolveRoom(ctx context.Context, a, b int64) (int64, bool, error)
	// EnsureRoom returns the room shared by a and b, creating it (and both memberships)
	// when missing. created is true only for the call that inserted the room.
	EnsureRoom(ctx context.Context, a, b int64) (room Room, created bool, err error)
	GetRoom(ctx context.Context, roomID int64) (Room, bool, error)
	// DeleteRoom removes logs, memberships and the room, in that order.
	DeleteRoom(ctx context.Context, roomID int64) (bool, error)

	// AppendLog inserts the log when the author is a member and lowers the room
	// watermark from -1 (or any larger value) to the new id.
	AppendLog(ctx context.Context, in AppendRecord) (Log, bool, error)
	ListLogs(ctx context.Context, roomID, requesterID int64, r rangereq.Request) ([]Log, error)
	GetLog(ctx context.Context, logID int64) (Log, bool, error)
	SetLiked(ctx context.Context, logID int64, liked bool) error
	// LastLogID returns the largest log id in the room, or NoLogID.
	LastLogID(ctx context.Context, roomID int64) (int64, error)

	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
	// HideCursor returns NoLogID when userID has no membership in roomID.
	HideCursor(ctx context.Context, userID, roomID int64) (int64, error)
	SetHideCursor(ctx context.Context, userID, roomID, logID int64) error
	// Members returns the member user ids of roomID in ascending order.
	Members(ctx context.Context, roomID int64) ([]int64, error)

	ListRooms(ctx context.Context, requesterID int64, r rangereq.Request) ([]RoomSummary, error)
}

func canonicalPair(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}
