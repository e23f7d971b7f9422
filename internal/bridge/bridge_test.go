package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brennhill/agent-chrome-test/internal/allowlist"
	"github.com/brennhill/agent-chrome-test/internal/audit"
	"github.com/brennhill/agent-chrome-test/internal/bridge"
	"github.com/brennhill/agent-chrome-test/internal/bridgeerr"
	"github.com/brennhill/agent-chrome-test/internal/peerclient"
	"github.com/brennhill/agent-chrome-test/internal/protocol"
)

// freePort finds an available loopback port by binding and releasing it
// immediately. Good enough for test setup, not for production use.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestBridge(t *testing.T, origins []string) (*bridge.Bridge, int) {
	t.Helper()
	auditLog, err := audit.Open(t.TempDir()+"/audit.ndjson", nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	al := allowlist.New(origins)
	b, err := bridge.New(al, auditLog, nil)
	require.NoError(t, err)

	port := freePort(t)
	require.NoError(t, b.Start(port))
	t.Cleanup(b.Stop)
	return b, port
}

func echoHandler(command string, params json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"echo": command})
}

func TestAuthSuccessMarksConnected(t *testing.T) {
	b, port := newTestBridge(t, nil)
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", echoHandler)

	origins, err := client.Connect()
	require.NoError(t, err)
	require.Empty(t, origins)

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)
}

func TestAuthSuccessAdvertisesOnlyConfiguredOrigins(t *testing.T) {
	b, port := newTestBridge(t, []string{"example.com"})
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", echoHandler)

	origins, err := client.Connect()
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, origins)
}

func TestAuthFailureWithWrongToken(t *testing.T) {
	_, port := newTestBridge(t, nil)
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), "wrong-token", "ext-1", echoHandler)

	_, err := client.Connect()
	require.Error(t, err)
}

func TestCommandCorrelatesToResponse(t *testing.T) {
	b, port := newTestBridge(t, nil)
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", func(command string, params json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"got": command})
	})
	_, err := client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()
	defer client.Stop()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	data, err := b.SendCommand(context.Background(), protocol.CmdTitle, json.RawMessage(`{}`), time.Second)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, protocol.CmdTitle, payload["got"])
}

func TestCommandTimesOutWhenPeerNeverResponds(t *testing.T) {
	b, port := newTestBridge(t, nil)
	blockForever := make(chan struct{})
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", func(command string, params json.RawMessage) (json.RawMessage, error) {
		<-blockForever
		return nil, nil
	})
	_, err := client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()
	defer func() {
		close(blockForever)
		client.Stop()
	}()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	_, err = b.SendCommand(context.Background(), protocol.CmdScreenshot, json.RawMessage(`{}`), 50*time.Millisecond)
	require.True(t, errors.Is(err, bridgeerr.ErrTimeout))
}

func TestDisconnectCancelsPendingRequests(t *testing.T) {
	b, port := newTestBridge(t, nil)
	blockForever := make(chan struct{})
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", func(command string, params json.RawMessage) (json.RawMessage, error) {
		<-blockForever
		return nil, nil
	})
	_, err := client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SendCommand(context.Background(), protocol.CmdScreenshot, json.RawMessage(`{}`), 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Stop()
	close(blockForever)

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, bridgeerr.ErrPeerDisconnected))
	case <-time.After(time.Second):
		t.Fatal("pending request was not cancelled on disconnect")
	}
}

func TestSecondClientIsRefused(t *testing.T) {
	b, port := newTestBridge(t, nil)
	first := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", echoHandler)
	_, err := first.Connect()
	require.NoError(t, err)
	defer first.Stop()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	second := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-2", echoHandler)
	_, err = second.Connect()
	require.Error(t, err)
}

func TestNavigateOutsideAllowlistIsBlockedLocally(t *testing.T) {
	b, port := newTestBridge(t, []string{"example.com"})
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", echoHandler)
	_, err := client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()
	defer client.Stop()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	params, _ := json.Marshal(map[string]any{"url": "https://not-allowed.test/"})
	_, err = b.SendCommand(context.Background(), protocol.CmdNavigate, params, time.Second)
	require.True(t, errors.Is(err, bridgeerr.ErrNotAllowed))
}

func TestSendCommandWithoutAuthenticatedPeerFails(t *testing.T) {
	b, _ := newTestBridge(t, nil)
	_, err := b.SendCommand(context.Background(), protocol.CmdTitle, json.RawMessage(`{}`), time.Second)
	require.True(t, errors.Is(err, bridgeerr.ErrNotConnected))
}

func TestStopRejectsPendingAndIsIdempotent(t *testing.T) {
	b, port := newTestBridge(t, nil)
	blockForever := make(chan struct{})
	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", func(command string, params json.RawMessage) (json.RawMessage, error) {
		<-blockForever
		return nil, nil
	})
	_, err := client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()
	defer func() {
		close(blockForever)
		client.Stop()
	}()

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SendCommand(context.Background(), protocol.CmdScreenshot, json.RawMessage(`{}`), 5*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	b.Stop()
	b.Stop() // idempotent

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, bridgeerr.ErrShuttingDown))
	case <-time.After(time.Second):
		t.Fatal("pending request was not cancelled on shutdown")
	}
}
