package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	v1 "stride/contracts/realtime/v1"
	"stride/internal/auth/session"
)

type fakeVerifier struct{ users map[string]string } // token -> userID

func (f fakeVerifier) VerifyAccess(token string, _ time.Time) (session.Claims, error) {
	if uid, ok := f.users[token]; ok {
		c := session.Claims{}
		c.Subject = uid
		return c, nil
	}
	return session.Claims{}, session.TokenError{Reason: session.ReasonBadSignature}
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	t.Setenv("STRIDE_WS_ORIGIN_REQUIRED", "false")

	gw := NewGateway(nil, NewTracker(nil), fakeVerifier{users: map[string]string{
		"tok-u1": "u1",
		"tok-u2": "u2",
	}})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialWS(t *testing.T, ctx context.Context, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"stride.realtime.v1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestGateway_RejectsBadToken(t *testing.T) {
	_, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?token=garbage"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"stride.realtime.v1"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RejectsMissingOrigin(t *testing.T) {
	t.Setenv("STRIDE_WS_ORIGIN_REQUIRED", "true")

	gw := NewGateway(nil, NewTracker(nil), fakeVerifier{users: map[string]string{"tok-u1": "u1"}})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?token=tok-u1"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"stride.realtime.v1"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_HandshakeAckAndTracking(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv, "tok-u1")
	require.Equal(t, "stride.realtime.v1", conn.Subprotocol())

	ack := readWS(t, ctx, conn)
	require.Equal(t, v1.TypeConnected, ack.Type)

	var p v1.ConnectedPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &p))
	require.Equal(t, "u1", p.UserID)
	require.NotEmpty(t, p.ConnectionID)

	require.Eventually(t, func() bool { return gw.Tracker().Online("u1") }, time.Second, 10*time.Millisecond)
}

func TestGateway_PassthroughReachesSiblingsOnly(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := dialWS(t, ctx, srv, "tok-u1")
	sibling := dialWS(t, ctx, srv, "tok-u1")
	stranger := dialWS(t, ctx, srv, "tok-u2")

	_ = readWS(t, ctx, origin)
	_ = readWS(t, ctx, sibling)
	_ = readWS(t, ctx, stranger)

	require.Eventually(t, func() bool { return gw.Tracker().Connections("u1") == 2 }, time.Second, 10*time.Millisecond)

	msg, err := json.Marshal(v1.Envelope{V: v1.Version, Type: "task:updated", Payload: json.RawMessage(`{"id":"t1"}`)})
	require.NoError(t, err)
	require.NoError(t, origin.Write(ctx, websocket.MessageText, msg))

	got := readWS(t, ctx, sibling)
	require.Equal(t, "task:updated", got.Type)
	require.JSONEq(t, `{"id":"t1"}`, string(got.Payload))
	require.NotEmpty(t, got.ID, "server stamps relayed envelopes")

	// Neither the origin connection nor another user hears the event.
	shortCtx, shortCancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer shortCancel()
	_, _, err = origin.Read(shortCtx)
	require.Error(t, err)
	_, _, err = stranger.Read(shortCtx)
	require.Error(t, err)
}

func TestGateway_InvalidFramesGetErrorEnvelopes(t *testing.T) {
	_, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv, "tok-u1")
	_ = readWS(t, ctx, conn)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	errEnv := readWS(t, ctx, conn)
	require.Equal(t, v1.TypeError, errEnv.Type)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	require.Equal(t, "bad_json", ep.Code)

	// Valid JSON, wrong protocol version.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v9","type":"task:updated"}`)))
	errEnv = readWS(t, ctx, conn)
	require.Equal(t, v1.TypeError, errEnv.Type)
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	require.Equal(t, "bad_envelope", ep.Code)

	// Valid envelope, type the server will not relay.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v1","type":"admin:wipe"}`)))
	errEnv = readWS(t, ctx, conn)
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	require.Equal(t, "unsupported", ep.Code)
}

func TestGateway_ForceDisconnectDeliversNoticeThenCloses(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv, "tok-u1")
	_ = readWS(t, ctx, conn)

	require.Eventually(t, func() bool { return gw.Tracker().Online("u1") }, time.Second, 10*time.Millisecond)

	n := gw.Tracker().ForceDisconnect("u1", "session revoked")
	require.Equal(t, 1, n)

	// The termination notice arrives before the socket drops.
	env := readWS(t, ctx, conn)
	require.Equal(t, v1.TypeSessionTerminated, env.Type)
	var p v1.TerminatedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "session revoked", p.Reason)

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	require.False(t, gw.Tracker().Online("u1"))
}
