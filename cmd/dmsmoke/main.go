// Command dmsmoke is a CI-friendly end-to-end smoke test for a running dmroom server.
//
// It validates:
//   - handshake + subprotocol selection on the notification stream
//   - hello/ack session establishment for the recipient
//   - ensure room + append over HTTP as the sender
//   - notification push to the recipient for that log
//   - the recipient sees the log, and no longer sees it after hiding all
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"dmroom/cmd/internal/notify"
	"dmroom/cmd/internal/realtime"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan realtime.Envelope
	errCh chan error
}

type apiClient struct {
	base   string
	header string
	http   *http.Client
}

func main() {
	var (
		baseURL    = flag.String("base", "http://127.0.0.1:8080", "dmroom HTTP base URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userHeader = flag.String("user-header", "X-User-ID", "Trusted requester identity header")
		sender     = flag.Int64("sender", 1, "Sender user id")
		recipient  = flag.Int64("recipient", 2, "Recipient user id")
		text       = flag.String("text", "hello from dm-smoke", "Message content to append")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := notificationURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *sender <= 0 || *recipient <= 0 || *sender == *recipient {
		fatalf("sender and recipient must be distinct positive ids")
	}

	root := context.Background()
	api := apiClient{base: strings.TrimRight(*baseURL, "/"), header: *userHeader, http: &http.Client{Timeout: *timeout}}

	b := mustConnect(root, wsURL, *origin, *userHeader, *recipient, *timeout)
	defer closeWS(b.conn)
	if *verbose {
		fmt.Printf("connected: recipient=%d session=%s\n", *recipient, b.sessionID)
	}

	var room struct {
		ID int64 `json:"id"`
	}
	api.mustDo(http.MethodPut, fmt.Sprintf("/v1/dm/users/%d/room", *recipient), *sender, nil, http.StatusOK, &room)
	if room.ID <= 0 {
		fatalf("ensure room returned id=%d", room.ID)
	}

	var appended struct {
		LogID int64 `json:"log_id"`
	}
	api.mustDo(http.MethodPost, fmt.Sprintf("/v1/dm/rooms/%d/logs", room.ID), *sender,
		map[string]string{"content": *text}, http.StatusCreated, &appended)
	if *verbose {
		fmt.Printf("appended: room=%d log=%d\n", room.ID, appended.LogID)
	}

	env := b.mustReadUntilType(root, realtime.TypeNotification, *timeout)
	var n notify.Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		fatalf("unmarshal notification payload: %v", err)
	}
	if n.UserID != *recipient || n.SenderID != *sender || n.RoomID != room.ID || n.LogID != appended.LogID {
		fatalf("notification mismatch: got=%+v want user=%d sender=%d room=%d log=%d",
			n, *recipient, *sender, room.ID, appended.LogID)
	}
	if !n.IsHTML || !strings.Contains(n.Content, strconv.FormatInt(*sender, 10)) {
		fatalf("notification content unexpected: %q", n.Content)
	}

	logsPath := fmt.Sprintf("/v1/dm/rooms/%d/logs", room.ID)
	if !api.logsContain(logsPath, *recipient, appended.LogID) {
		fatalf("recipient does not see log %d", appended.LogID)
	}

	api.mustDo(http.MethodPut, fmt.Sprintf("/v1/dm/rooms/%d/hide", room.ID), *recipient,
		map[string]bool{"all": true}, http.StatusOK, nil)
	if api.logsContain(logsPath, *recipient, appended.LogID) {
		fatalf("log %d still visible after hide all", appended.LogID)
	}
	if !api.logsContain(logsPath, *sender, appended.LogID) {
		fatalf("hide all leaked to the sender's view")
	}

	fmt.Printf("OK: room=%d log=%d notification=%s session=%s\n", room.ID, appended.LogID, n.ID, b.sessionID)
}

func notificationURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/dm/notifications/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// ---- HTTP ----

func (a apiClient) mustDo(method, path string, as int64, body any, wantStatus int, out any) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequest(method, a.base+path, rdr)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set(a.header, strconv.FormatInt(as, 10))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if res.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, res.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (a apiClient) logsContain(path string, as, logID int64) bool {
	var page struct {
		Logs []struct {
			ID int64 `json:"id"`
		} `json:"logs"`
	}
	a.mustDo(http.MethodGet, path, as, nil, http.StatusOK, &page)
	for _, l := range page.Logs {
		if l.ID == logID {
			return true
		}
	}
	return false
}

// ---- WebSocket ----

func mustConnect(parent context.Context, wsURL, origin, userHeader string, userID int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set(userHeader, strconv.FormatInt(userID, 10))

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != realtime.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, realtime.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan realtime.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, realtime.Envelope{
		V:    realtime.ProtocolVersion,
		Type: realtime.TypeHello,
		ID:   "smoke-hello",
		TS:   time.Now().UTC(),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, realtime.TypeHelloAck, stepTimeout)
	var p realtime.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" || p.UserID != userID {
		fatalf("hello_ack mismatch: %+v (want user_id=%d)", p, userID)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)
		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}
			var env realtime.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) realtime.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == realtime.TypeError {
				var ep realtime.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			// Notifications for earlier traffic may arrive first; skip anything else.
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env realtime.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
