// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
)

// newTestGateway wires a gateway to a fresh broadcaster behind a test
// server. Cleanup order matters: connections must be torn down before
// the test server waits for its outstanding requests.
func newTestGateway(t *testing.T) (*Gateway, *events.Broadcaster, *httptest.Server) {
	t.Helper()

	broadcaster := events.NewBroadcaster(zerolog.Nop())
	t.Cleanup(broadcaster.Shutdown)

	gateway := NewGateway(broadcaster, zerolog.Nop())
	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)
	t.Cleanup(gateway.Shutdown)

	return gateway, broadcaster, srv
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readFrame(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, client.ReadJSON(&msg))
	return msg
}

func TestGateway_ConnectGreets(t *testing.T) {
	gateway, broadcaster, srv := newTestGateway(t)

	client := wsDial(t, srv)

	greeting := readFrame(t, client)
	require.Equal(t, "connected", greeting["type"])

	require.Equal(t, 1, broadcaster.ObserverCount())
	require.Equal(t, 1, gateway.ConnCount())
}

func TestGateway_DeliversJobEvents(t *testing.T) {
	_, broadcaster, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client) // greeting

	broadcaster.Publish("job-1", jobs.StatusProcessing, 10, "Transcribing")

	frame := readFrame(t, client)
	require.Equal(t, "job_status", frame["type"])
	require.Equal(t, "job-1", frame["job_id"])
	require.Equal(t, "processing", frame["status"])
	require.Equal(t, float64(10), frame["progress"])
	require.Equal(t, "Transcribing", frame["message"])
}

func TestGateway_EveryConnectionSeesEveryJob(t *testing.T) {
	// Delivery is broadcast-to-all; a connection receives updates for
	// jobs it never subscribed to.
	_, broadcaster, srv := newTestGateway(t)

	first := wsDial(t, srv)
	second := wsDial(t, srv)
	readFrame(t, first)
	readFrame(t, second)

	broadcaster.Publish("job-7", jobs.StatusCompleted, 100, "done")

	for _, client := range []*websocket.Conn{first, second} {
		frame := readFrame(t, client)
		require.Equal(t, "job-7", frame["job_id"])
		require.Equal(t, "completed", frame["status"])
	}
}

func TestGateway_SubscribeAcknowledged(t *testing.T) {
	_, _, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client) // greeting

	require.NoError(t, client.WriteJSON(map[string]string{
		"type":   "subscribe",
		"job_id": "job-9",
	}))

	ack := readFrame(t, client)
	require.Equal(t, "subscribed", ack["type"])
	require.Equal(t, "job-9", ack["job_id"])
}

func TestGateway_PingAnsweredWithPong(t *testing.T) {
	_, _, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client) // greeting

	require.NoError(t, client.WriteJSON(map[string]string{"type": "ping"}))

	pong := readFrame(t, client)
	require.Equal(t, "pong", pong["type"])
}

func TestGateway_MalformedInputIgnored(t *testing.T) {
	_, _, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client) // greeting

	// Junk must not take the connection down.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json{{{")))
	require.NoError(t, client.WriteJSON(map[string]string{"type": "unknown-kind"}))
	require.NoError(t, client.WriteJSON(map[string]string{"type": "subscribe"})) // missing job_id

	require.NoError(t, client.WriteJSON(map[string]string{"type": "ping"}))
	pong := readFrame(t, client)
	require.Equal(t, "pong", pong["type"])
}

func TestGateway_ClientDisconnectUnregisters(t *testing.T) {
	gateway, broadcaster, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client)
	require.Equal(t, 1, broadcaster.ObserverCount())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return broadcaster.ObserverCount() == 0 && gateway.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must unregister the observer")
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	gateway, broadcaster, srv := newTestGateway(t)

	client := wsDial(t, srv)
	readFrame(t, client)

	gateway.Shutdown()

	require.Equal(t, 0, gateway.ConnCount())
	require.Eventually(t, func() bool {
		return broadcaster.ObserverCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The client side sees the connection end.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)

	// Further upgrades are refused.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	second, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		// The upgrade may succeed at the HTTP layer; the connection is
		// closed immediately after.
		require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, readErr := second.ReadMessage()
		require.Error(t, readErr)
		_ = second.Close()
	}
	if resp != nil {
		resp.Body.Close()
	}

	// Safe to call again.
	gateway.Shutdown()
}

func TestConn_SendNeverBlocks(t *testing.T) {
	c := &conn{
		send: make(chan any, 1),
		done: make(chan struct{}),
	}

	require.NoError(t, c.Send(events.Event{JobID: "job-1"}))
	require.ErrorIs(t, c.Send(events.Event{JobID: "job-1"}), errSendBufferFull)

	close(c.done)
	require.ErrorIs(t, c.Send(events.Event{JobID: "job-1"}), errConnClosed)
}
