package directmessage

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"dmroom/cmd/internal/ids"
	"dmroom/cmd/internal/notify"
	"dmroom/cmd/internal/rangereq"
)

const defaultNotifyTimeout = 2 * time.Second

// Notifier accepts notification tasks for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, t notify.Task) error
}

// Recorder observes service outcomes (metrics).
type Recorder interface {
	RoomCreated()
	LogAppended()
	AppendRejected(reason string)
	NotificationEnqueued(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RoomCreated()              {}
func (nopRecorder) LogAppended()              {}
func (nopRecorder) AppendRejected(string)     {}
func (nopRecorder) NotificationEnqueued(bool) {}

// Service exposes the direct message operations.
type Service struct {
	store         Store
	log           *slog.Logger
	notifier      Notifier
	rec           Recorder
	now           func() time.Time
	notifyTimeout time.Duration
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the service logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return ErrInvalidInput
		}
		s.log = log
		return nil
	}
}

// WithNotifier sets where append notifications are enqueued. Without one, appends do not notify.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(s *Service) error {
		if rec == nil {
			return ErrInvalidInput
		}
		s.rec = rec
		return nil
	}
}

// WithClock overrides the time source used for log dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// WithNotifyTimeout bounds a single enqueue attempt.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.notifyTimeout = d
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:         store,
		log:           slog.Default(),
		rec:           nopRecorder{},
		now:           time.Now,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ResolveRoom returns the room shared by requester and counterpart.
// ok is false for a self-pair or when no room exists.
func (s *Service) ResolveRoom(ctx context.Context, requesterID, counterpartID int64) (int64, bool, error) {
	if !validPair(requesterID, counterpartID) {
		return 0, false, nil
	}
	return s.store.ResolveRoom(ctx, requesterID, counterpartID)
}

// EnsureRoom returns the pair's room, creating it on first contact.
// ok is false for a self-pair; no room is created.
func (s *Service) EnsureRoom(ctx context.Context, requesterID, counterpartID int64) (Room, bool, error) {
	if !validPair(requesterID, counterpartID) {
		return Room{}, false, nil
	}
	room, created, err := s.store.EnsureRoom(ctx, requesterID, counterpartID)
	if err != nil {
		s.log.Error("dm.room.ensure.fail", "requester_id", requesterID, "counterpart_id", counterpartID, "err", err)
		return Room{}, false, storageError("directmessage.EnsureRoom", err)
	}
	if created {
		s.rec.RoomCreated()
		s.log.Info("dm.room.created", "room_id", room.ID, "start_inclusive_log_id", room.StartInclusiveLogID)
	}
	return room, true, nil
}

// GetRoom reads a room by id.
func (s *Service) GetRoom(ctx context.Context, roomID int64) (Room, bool, error) {
	return s.store.GetRoom(ctx, roomID)
}

// DeleteRoom removes the room with all its logs and memberships.
func (s *Service) DeleteRoom(ctx context.Context, roomID int64) error {
	deleted, err := s.store.DeleteRoom(ctx, roomID)
	if err != nil {
		s.log.Error("dm.room.delete.fail", "room_id", roomID, "err", err)
		return storageError("directmessage.DeleteRoom", err)
	}
	if deleted {
		s.log.Info("dm.room.deleted", "room_id", roomID)
	}
	return nil
}

// AppendLog appends content to the room on behalf of authorID and returns the new log id.
//
// Empty content and non-member authors are silent no-ops (ok=false). After commit the
// counterpart is notified through the Notifier; notification failures are logged only.
func (s *Service) AppendLog(ctx context.Context, authorID, roomID int64, content string) (int64, bool, error) {
	if content == "" {
		s.rec.AppendRejected("empty_content")
		return 0, false, nil
	}

	l, ok, err := s.store.AppendLog(ctx, AppendRecord{
		RoomID:   roomID,
		AuthorID: authorID,
		Content:  content,
		Date:     unixCeil(s.now()),
	})
	if err != nil {
		s.log.Error("dm.log.append.fail", "room_id", roomID, "author_id", authorID, "err", err)
		return 0, false, storageError("directmessage.AppendLog", err)
	}
	if !ok {
		s.rec.AppendRejected("not_member")
		return 0, false, nil
	}

	s.rec.LogAppended()
	s.log.Debug("dm.log.appended", "room_id", roomID, "log_id", l.ID, "author_id", authorID)
	s.notifyCounterpart(ctx, l)
	return l.ID, true, nil
}

func (s *Service) notifyCounterpart(ctx context.Context, l Log) {
	if s.notifier == nil {
		return
	}
	// The write is committed; the caller's cancellation must not drop the notification.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	recipient, ok, err := s.Counterpart(ctx, l.MemberID, l.RoomID)
	if err != nil || !ok {
		s.rec.NotificationEnqueued(false)
		s.log.Warn("dm.notify.skip", "room_id", l.RoomID, "log_id", l.ID, "err", err)
		return
	}

	now := s.now().UTC()
	err = s.notifier.Enqueue(ctx, notify.Task{
		ID:          ids.MustULID(now),
		RecipientID: recipient,
		SenderID:    l.MemberID,
		RoomID:      l.RoomID,
		LogID:       l.ID,
		CreatedAt:   now,
	})
	if err != nil {
		s.rec.NotificationEnqueued(false)
		s.log.Warn("dm.notify.enqueue.fail", "room_id", l.RoomID, "log_id", l.ID, "recipient_id", recipient, "err", err)
		return
	}
	s.rec.NotificationEnqueued(true)
}

// ListLogs returns the room's logs visible to requesterID, paginated by log id.
func (s *Service) ListLogs(ctx context.Context, roomID, requesterID int64, r rangereq.Request) ([]Log, error) {
	return s.store.ListLogs(ctx, roomID, requesterID, r.Normalize())
}

// ListRooms returns requesterID's active conversations, paginated by room id.
// r.OwnerID, when set, restricts the listing to one counterpart.
func (s *Service) ListRooms(ctx context.Context, requesterID int64, r rangereq.Request) ([]RoomSummary, error) {
	return s.store.ListRooms(ctx, requesterID, r.Normalize())
}

// GetLog reads a log by id.
func (s *Service) GetLog(ctx context.Context, logID int64) (Log, bool, error) {
	return s.store.GetLog(ctx, logID)
}

// ToggleLike sets is_liked; an unknown logID is a no-op.
func (s *Service) ToggleLike(ctx context.Context, logID int64, liked bool) error {
	if err := s.store.SetLiked(ctx, logID, liked); err != nil {
		return storageError("directmessage.ToggleLike", err)
	}
	return nil
}

// IsMember reports whether userID belongs to roomID.
func (s *Service) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	return s.store.IsMember(ctx, userID, roomID)
}

// HideCursor returns userID's hide cursor in roomID (NoLogID when not a member).
func (s *Service) HideCursor(ctx context.Context, userID, roomID int64) (int64, error) {
	return s.store.HideCursor(ctx, userID, roomID)
}

// SetHideCursor overwrites userID's hide cursor in roomID.
func (s *Service) SetHideCursor(ctx context.Context, userID, roomID, logID int64) error {
	if err := s.store.SetHideCursor(ctx, userID, roomID, logID); err != nil {
		return storageError("directmessage.SetHideCursor", err)
	}
	return nil
}

// HideAll hides every current log of roomID from userID and returns the new cursor.
// ok is false when userID is not a member or the room has no logs.
func (s *Service) HideAll(ctx context.Context, userID, roomID int64) (int64, bool, error) {
	member, err := s.store.IsMember(ctx, userID, roomID)
	if err != nil || !member {
		return 0, false, err
	}
	last, err := s.store.LastLogID(ctx, roomID)
	if err != nil {
		return 0, false, err
	}
	if last == NoLogID {
		return 0, false, nil
	}
	if err := s.SetHideCursor(ctx, userID, roomID, last); err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// Counterpart returns the member of roomID other than requesterID.
// ok is false when requesterID is not a member. A room without two distinct members
// is logged as an integrity anomaly and yields ok=false.
func (s *Service) Counterpart(ctx context.Context, requesterID, roomID int64) (int64, bool, error) {
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return 0, false, err
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	distinct := slices.Compact(slices.Sorted(slices.Values(members)))
	if len(distinct) != 2 {
		s.log.Warn("dm.room.integrity", "room_id", roomID, "members", len(distinct))
		return 0, false, nil
	}
	switch requesterID {
	case distinct[0]:
		return distinct[1], true, nil
	case distinct[1]:
		return distinct[0], true, nil
	}
	return 0, false, nil
}

func validPair(a, b int64) bool {
	return a > 0 && b > 0 && a != b
}

// unixCeil returns t in whole seconds since the epoch, rounded up.
func unixCeil(t time.Time) int64 {
	ms := t.UnixMilli()
	sec := ms / 1000
	if ms%1000 > 0 {
		sec++
	}
	return sec
}
