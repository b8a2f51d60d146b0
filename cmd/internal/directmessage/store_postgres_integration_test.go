package directmessage

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dmroom/cmd/internal/ids"
	"dmroom/cmd/internal/people"
	"dmroom/cmd/internal/rangereq"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require DMROOM_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_Scenario(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	st := mustPostgresStore(t, pool)
	svc := mustNewService(t, st)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room, ok, err := svc.EnsureRoom(ctx, 1, 2)
	if err != nil || !ok {
		t.Fatalf("ensure: ok=%v err=%v", ok, err)
	}
	if room.StartInclusiveLogID != NoLogID {
		t.Fatalf("fresh schema watermark=%d want -1", room.StartInclusiveLogID)
	}
	if again, _, _ := svc.EnsureRoom(ctx, 2, 1); again.ID != room.ID {
		t.Fatalf("ensure not idempotent: %d vs %d", again.ID, room.ID)
	}

	if _, ok, err := svc.AppendLog(ctx, 3, room.ID, "intruder"); err != nil || ok {
		t.Fatalf("non member append: ok=%v err=%v", ok, err)
	}

	l1, ok, err := svc.AppendLog(ctx, 1, room.ID, "hi")
	if err != nil || !ok {
		t.Fatalf("append 1: ok=%v err=%v", ok, err)
	}
	got, _, _ := svc.GetRoom(ctx, room.ID)
	if got.StartInclusiveLogID != l1 {
		t.Fatalf("watermark=%d want %d", got.StartInclusiveLogID, l1)
	}

	l2, ok, err := svc.AppendLog(ctx, 2, room.ID, "hello")
	if err != nil || !ok {
		t.Fatalf("append 2: ok=%v err=%v", ok, err)
	}
	if l2 != l1+1 {
		t.Fatalf("l2=%d want %d", l2, l1+1)
	}
	got, _, _ = svc.GetRoom(ctx, room.ID)
	if got.StartInclusiveLogID != l1 {
		t.Fatalf("watermark moved to %d", got.StartInclusiveLogID)
	}

	logs, err := svc.ListLogs(ctx, room.ID, 2, rangereq.Request{Direction: rangereq.After})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if !equalIDs(logIDs(logs), []int64{l1, l2}) {
		t.Fatalf("logs=%v want [%d %d]", logIDs(logs), l1, l2)
	}

	if err := svc.SetHideCursor(ctx, 2, room.ID, l1); err != nil {
		t.Fatalf("set hide: %v", err)
	}
	logs, _ = svc.ListLogs(ctx, room.ID, 2, rangereq.Request{})
	if !equalIDs(logIDs(logs), []int64{l2}) {
		t.Fatalf("hidden logs=%v want [%d]", logIDs(logs), l2)
	}

	if err := svc.ToggleLike(ctx, l2, true); err != nil {
		t.Fatalf("like: %v", err)
	}
	if l, ok, _ := svc.GetLog(ctx, l2); !ok || !l.IsLiked {
		t.Fatalf("like not persisted: %+v", l)
	}

	if err := svc.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := svc.GetRoom(ctx, room.ID); ok {
		t.Fatalf("room survived delete")
	}
	if members, _ := st.Members(ctx, room.ID); len(members) != 0 {
		t.Fatalf("memberships survived delete: %v", members)
	}
	if last, _ := st.LastLogID(ctx, room.ID); last != NoLogID {
		t.Fatalf("logs survived delete: last=%d", last)
	}
}

func TestPostgresStore_EnsureRoom_ConcurrentFirstContact(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	st := mustPostgresStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		roomIDs = make(map[int64]struct{})
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(10), int64(20)
			if i%2 == 1 {
				a, b = b, a
			}
			room, isNew, err := st.EnsureRoom(ctx, a, b)
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			mu.Lock()
			roomIDs[room.ID] = struct{}{}
			if isNew {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(roomIDs) != 1 || created != 1 {
		t.Fatalf("expected one room created once, got rooms=%v created=%d", roomIDs, created)
	}
}

func TestPostgresStore_ListRooms(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	st := mustPostgresStore(t, pool)
	svc := mustNewService(t, st)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for id, name := range map[int64]string{1: "alice", 2: "bob", 3: "carol", 4: "dave"} {
		mustExec(t, pool, `INSERT INTO `+pgIdent(st.schema, "users")+` (id, display_name) VALUES ($1, $2)`, id, name)
	}
	mustExec(t, pool, `INSERT INTO `+pgIdent(st.schema, "user_relationships")+` (from_id, to_id, relationship) VALUES (4, 1, -1)`)

	var rooms []Room
	for _, other := range []int64{2, 3, 4} {
		r, _, err := svc.EnsureRoom(ctx, 1, other)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		rooms = append(rooms, r)
	}
	empty, _, _ := svc.EnsureRoom(ctx, 1, 5) // no logs, no user row

	var last int64
	for i := 0; i < 3; i++ {
		last, _, _ = svc.AppendLog(ctx, 2, rooms[0].ID, "m")
	}
	svc.AppendLog(ctx, 1, rooms[1].ID, "m")
	svc.AppendLog(ctx, 1, rooms[2].ID, "m")

	got, err := svc.ListRooms(ctx, 1, rangereq.Request{Direction: rangereq.After})
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(got) != 2 || got[0].RoomID != rooms[0].ID || got[1].RoomID != rooms[1].ID {
		t.Fatalf("unexpected rooms: %+v", got)
	}
	if got[0].CounterpartName != "bob" || got[0].LastLogID != last || got[0].HideLogID != NoLogID {
		t.Fatalf("unexpected summary: %+v", got[0])
	}
	for _, rs := range got {
		if rs.RoomID == empty.ID || rs.CounterpartID == 4 {
			t.Fatalf("filtered room listed: %+v", rs)
		}
	}

	page1, _ := svc.ListRooms(ctx, 1, rangereq.Request{Limit: 1})
	if len(page1) != 1 || page1[0].RoomID != rooms[1].ID {
		t.Fatalf("page1=%+v", page1)
	}
	page2, _ := svc.ListRooms(ctx, 1, rangereq.Request{Limit: 1}.Next(page1[0].RoomID))
	if len(page2) != 1 || page2[0].RoomID != rooms[0].ID {
		t.Fatalf("page2=%+v", page2)
	}
}

func mustPostgresStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := people.ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply people schema: %v", err)
	}
	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("DMROOM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: DMROOM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse DMROOM_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (DMROOM_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "dm_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustExec(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
