package directmessage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"dmroom/cmd/internal/people"
	"dmroom/cmd/internal/rangereq"
)

type memberKey struct{ room, user int64 }

type pairKey struct{ low, high int64 }

// MemoryStore is a process-local Store for dev mode and tests.
//
// A single mutex stands in for the transaction scope of every operation. The log id
// counter is shared by all rooms, matching the Postgres identity column.
type MemoryStore struct {
	names people.Directory
	rels  people.Relationships

	mu       sync.Mutex
	nextRoom int64
	nextLog  int64
	rooms    map[int64]Room
	pairs    map[pairKey]int64
	members  map[memberKey]int64 // hide_log_id
	byRoom   map[int64][]int64   // member user ids
	logs     map[int64]Log
	roomLogs map[int64][]int64 // ascending
}

// NewMemoryStore constructs an empty MemoryStore. names and rels back room listing.
func NewMemoryStore(names people.Directory, rels people.Relationships) (*MemoryStore, error) {
	if names == nil || rels == nil {
		return nil, ErrInvalidInput
	}
	return &MemoryStore{
		names:    names,
		rels:     rels,
		rooms:    make(map[int64]Room),
		pairs:    make(map[pairKey]int64),
		members:  make(map[memberKey]int64),
		byRoom:   make(map[int64][]int64),
		logs:     make(map[int64]Log),
		roomLogs: make(map[int64][]int64),
	}, nil
}

func (m *MemoryStore) ResolveRoom(ctx context.Context, a, b int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.resolveLocked(a, b)
	return id, ok, nil
}

func (m *MemoryStore) resolveLocked(a, b int64) (int64, bool) {
	if a == b {
		return 0, false
	}
	low, high := canonicalPair(a, b)
	id, ok := m.pairs[pairKey{low, high}]
	return id, ok
}

func (m *MemoryStore) EnsureRoom(ctx context.Context, a, b int64) (Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	if a == b {
		return Room{}, false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.resolveLocked(a, b); ok {
		return m.rooms[id], false, nil
	}

	m.nextRoom++
	room := Room{ID: m.nextRoom, StartInclusiveLogID: NoLogID}
	for id := range m.logs {
		room.StartInclusiveLogID = max(room.StartInclusiveLogID, id)
	}
	low, high := canonicalPair(a, b)
	m.rooms[room.ID] = room
	m.pairs[pairKey{low, high}] = room.ID
	m.members[memberKey{room.ID, a}] = NoLogID
	m.members[memberKey{room.ID, b}] = NoLogID
	m.byRoom[room.ID] = []int64{low, high}
	return room, true, nil
}

func (m *MemoryStore) GetRoom(ctx context.Context, roomID int64) (Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	return room, ok, nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, roomID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.roomLogs[roomID] {
		delete(m.logs, id)
	}
	delete(m.roomLogs, roomID)

	users := m.byRoom[roomID]
	for _, u := range users {
		delete(m.members, memberKey{roomID, u})
	}
	delete(m.byRoom, roomID)
	if len(users) == 2 {
		delete(m.pairs, pairKey{users[0], users[1]})
	}

	if _, ok := m.rooms[roomID]; !ok {
		return false, nil
	}
	delete(m.rooms, roomID)
	return true, nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, in AppendRecord) (Log, bool, error) {
	if err := ctx.Err(); err != nil {
		return Log{}, false, err
	}
	if in.Content == "" {
		return Log{}, false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[memberKey{in.RoomID, in.AuthorID}]; !ok {
		return Log{}, false, nil
	}

	m.nextLog++
	l := Log{
		ID:       m.nextLog,
		RoomID:   in.RoomID,
		MemberID: in.AuthorID,
		Content:  in.Content,
		Date:     in.Date,
		IsHTML:   in.IsHTML,
	}
	m.logs[l.ID] = l
	m.roomLogs[in.RoomID] = append(m.roomLogs[in.RoomID], l.ID)

	if room, ok := m.rooms[in.RoomID]; ok {
		if room.StartInclusiveLogID == NoLogID || room.StartInclusiveLogID > l.ID {
			room.StartInclusiveLogID = l.ID
			m.rooms[in.RoomID] = room
		}
	}
	return l, true, nil
}

func (m *MemoryStore) ListLogs(ctx context.Context, roomID, requesterID int64, r rangereq.Request) ([]Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	hide, ok := m.members[memberKey{roomID, requesterID}]
	if !ok {
		hide = NoLogID
	}
	watermark := NoLogID
	if room, ok := m.rooms[roomID]; ok {
		watermark = room.StartInclusiveLogID
	}
	visible := make([]Log, 0, len(m.roomLogs[roomID]))
	for _, id := range m.roomLogs[roomID] {
		if id <= hide {
			continue
		}
		if watermark != NoLogID && id < watermark {
			continue
		}
		visible = append(visible, m.logs[id])
	}
	m.mu.Unlock()

	return rangereq.Page(visible, rangereq.Keys[Log]{
		Key:   func(l Log) int64 { return l.ID },
		Owner: func(l Log) int64 { return l.MemberID },
	}, r)
}

func (m *MemoryStore) GetLog(ctx context.Context, logID int64) (Log, bool, error) {
	if err := ctx.Err(); err != nil {
		return Log{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[logID]
	return l, ok, nil
}

func (m *MemoryStore) SetLiked(ctx context.Context, logID int64, liked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.logs[logID]; ok {
		l.IsLiked = liked
		m.logs[logID] = l
	}
	return nil
}

func (m *MemoryStore) LastLogID(ctx context.Context, roomID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.roomLogs[roomID]
	if len(ids) == 0 {
		return NoLogID, nil
	}
	return ids[len(ids)-1], nil
}

func (m *MemoryStore) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.members[memberKey{roomID, userID}]
	return ok, nil
}

func (m *MemoryStore) HideCursor(ctx context.Context, userID, roomID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.members[memberKey{roomID, userID}]; ok {
		return id, nil
	}
	return NoLogID, nil
}

func (m *MemoryStore) SetHideCursor(ctx context.Context, userID, roomID, logID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memberKey{roomID, userID}
	if _, ok := m.members[k]; ok {
		m.members[k] = logID
	}
	return nil
}

func (m *MemoryStore) Members(ctx context.Context, roomID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.byRoom[roomID]), nil
}

func (m *MemoryStore) ListRooms(ctx context.Context, requesterID int64, r rangereq.Request) ([]RoomSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	candidates := make([]RoomSummary, 0, 16)
	for roomID, users := range m.byRoom {
		hide, ok := m.members[memberKey{roomID, requesterID}]
		if !ok {
			continue
		}
		ids := m.roomLogs[roomID]
		if len(ids) == 0 {
			continue
		}
		for _, u := range users {
			if u == requesterID {
				continue
			}
			candidates = append(candidates, RoomSummary{
				RoomID:        roomID,
				CounterpartID: u,
				LastLogID:     ids[len(ids)-1],
				HideLogID:     hide,
			})
		}
	}
	m.mu.Unlock()

	out := candidates[:0]
	for _, rs := range candidates {
		blocked, err := m.rels.IsBlocked(ctx, requesterID, rs.CounterpartID)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		name, err := m.names.GetDisplayName(ctx, rs.CounterpartID)
		if errors.Is(err, people.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rs.CounterpartName = name
		out = append(out, rs)
	}

	return rangereq.Page(out, rangereq.Keys[RoomSummary]{
		Key:   func(rs RoomSummary) int64 { return rs.RoomID },
		Owner: func(rs RoomSummary) int64 { return rs.CounterpartID },
	}, r)
}
