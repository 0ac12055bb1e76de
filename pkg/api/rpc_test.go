package api

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/models"
)

func startRPC(t *testing.T, st *testStack) *RPCServer {
	t.Helper()
	srv := NewRPCServer(config.ServerConfig{RPCAddr: "127.0.0.1:0"}, st.core, st.hub, nil, nil, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dialRPC(t *testing.T, srv *RPCServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(15*time.Second)))
	return conn
}

// readUntil reads frames, answering server pings, until match returns true.
func readUntil(t *testing.T, conn net.Conn, match func(Frame) bool) Frame {
	t.Helper()
	for {
		frame, err := ReadFrame(conn)
		require.NoError(t, err)
		if frame.Type == FramePing {
			require.NoError(t, WriteFrame(conn, Frame{ID: frame.ID, Type: FramePong}))
			continue
		}
		if match(frame) {
			return frame
		}
	}
}

func call(t *testing.T, conn net.Conn, id, method string, params any) Frame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		require.NoError(t, err)
		raw = body
	}
	payload, err := json.Marshal(CallPayload{Method: method, Params: raw})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, Frame{ID: id, Type: FrameCall, Payload: payload}))

	return readUntil(t, conn, func(f Frame) bool { return f.ID == id })
}

func TestRPCHelloIsFirstFrame(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	frame, err := ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, FrameHello, frame.Type)

	var hello HelloPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &hello))
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.Contains(t, hello.Server, "aegis/")
}

func TestRPCSubmitAndGetIncident(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	reply := call(t, conn, "req_1", "alert.submit", SubmitAlertParams{
		Source:  "prometheus",
		Payload: testAlert("checkout"),
	})
	require.Equal(t, FrameResult, reply.Type)

	var ack SubmitAlertResult
	require.NoError(t, json.Unmarshal(reply.Payload, &ack))
	assert.True(t, ack.Created)
	require.NotEmpty(t, ack.IncidentID)

	waitResolved(t, st, ack.IncidentID)

	reply = call(t, conn, "req_2", "incident.get", IncidentParams{IncidentID: ack.IncidentID})
	require.Equal(t, FrameResult, reply.Type)

	var inc models.Incident
	require.NoError(t, json.Unmarshal(reply.Payload, &inc))
	assert.Equal(t, ack.IncidentID, inc.ID)
	assert.Equal(t, models.PhaseClosed, inc.Phase)
	assert.Equal(t, models.OutcomeResolved, inc.Outcome)
}

func TestRPCUnknownIncidentIsTypedError(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	reply := call(t, conn, "req_1", "incident.get", IncidentParams{IncidentID: "inc_missing"})
	require.Equal(t, FrameError, reply.Type)

	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ep))
	assert.Equal(t, 1002, ep.Code)
	assert.Equal(t, "not_found", ep.Kind)
}

func TestRPCUnknownMethod(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	reply := call(t, conn, "req_1", "no.such.method", nil)
	require.Equal(t, FrameError, reply.Type)
}

func TestRPCSubscribeReplaysIncidentInOrder(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	reply := call(t, conn, "req_1", "alert.submit", SubmitAlertParams{
		Source:  "prometheus",
		Payload: testAlert("checkout"),
	})
	require.Equal(t, FrameResult, reply.Type)
	var ack SubmitAlertResult
	require.NoError(t, json.Unmarshal(reply.Payload, &ack))
	waitResolved(t, st, ack.IncidentID)

	from := uint64(0)
	payload, err := json.Marshal(SubscribePayload{
		IncidentIDs:  []string{ack.IncidentID},
		FromSequence: &from,
	})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, Frame{ID: "sub_1", Type: FrameSubscribe, Payload: payload}))

	frame := readUntil(t, conn, func(f Frame) bool { return f.ID == "sub_1" })
	require.Equal(t, FrameSubscribed, frame.Type)

	var next uint64
	for {
		frame = readUntil(t, conn, func(f Frame) bool { return f.Type == FrameEvent })
		var env hub.Envelope
		require.NoError(t, json.Unmarshal(frame.Payload, &env))
		require.Equal(t, hub.EnvelopeEvent, env.Type)
		require.Equal(t, ack.IncidentID, env.IncidentID)
		require.Equal(t, next, env.Sequence)
		next++
		if env.Kind == models.EventIncidentResolved {
			break
		}
	}
	assert.Greater(t, next, uint64(5))
}

func TestRPCSubscribeCatchupNeedsSingleIncident(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	from := uint64(0)
	payload, err := json.Marshal(SubscribePayload{FromSequence: &from})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, Frame{ID: "sub_1", Type: FrameSubscribe, Payload: payload}))

	frame := readUntil(t, conn, func(f Frame) bool { return f.ID == "sub_1" })
	require.Equal(t, FrameError, frame.Type)

	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &ep))
	assert.Equal(t, "validation", ep.Kind)
}

func TestRPCIgnoresUnknownFrameTypes(t *testing.T) {
	st := newStack(t)
	srv := startRPC(t, st)
	conn := dialRPC(t, srv)

	require.NoError(t, WriteFrame(conn, Frame{ID: "x", Type: "future_type"}))

	// The connection stays usable.
	reply := call(t, conn, "req_1", "health", nil)
	require.Equal(t, FrameResult, reply.Type)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(reply.Payload, &health))
	assert.Equal(t, "ok", health.Status)
}
