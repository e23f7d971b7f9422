package toolsurface_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brennhill/agent-chrome-test/internal/allowlist"
	"github.com/brennhill/agent-chrome-test/internal/audit"
	"github.com/brennhill/agent-chrome-test/internal/baseline"
	"github.com/brennhill/agent-chrome-test/internal/bridge"
	"github.com/brennhill/agent-chrome-test/internal/peerclient"
	"github.com/brennhill/agent-chrome-test/internal/session"
	"github.com/brennhill/agent-chrome-test/internal/toolsurface"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func solidPNGBase64(t *testing.T, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// fakePeer answers query/query_all/text/url/screenshot/network_capture_stop
// commands with scripted payloads, standing in for a real browser extension.
type fakePeer struct {
	screenshotB64 string
	found         bool
	visible       bool
	count         int
	text          string
	url           string
	requests      []map[string]any
}

func (p *fakePeer) handle(command string, params json.RawMessage) (json.RawMessage, error) {
	switch command {
	case "screenshot":
		return json.Marshal(map[string]any{"png_base64": p.screenshotB64})
	case "query":
		return json.Marshal(map[string]any{"found": p.found, "visible": p.visible})
	case "query_all":
		return json.Marshal(map[string]any{"count": p.count})
	case "text":
		return json.Marshal(map[string]any{"text": p.text})
	case "url":
		return json.Marshal(map[string]any{"url": p.url})
	case "network_capture_stop":
		return json.Marshal(map[string]any{"requests": p.requests})
	default:
		return json.Marshal(map[string]any{})
	}
}

func newHarness(t *testing.T, peer *fakePeer) *toolsurface.Surface {
	t.Helper()
	auditLog, err := audit.Open(t.TempDir()+"/audit.ndjson", nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	al := allowlist.New(nil)
	b, err := bridge.New(al, auditLog, nil)
	require.NoError(t, err)

	port := freePort(t)
	require.NoError(t, b.Start(port))
	t.Cleanup(b.Stop)

	client := peerclient.New(fmt.Sprintf("ws://127.0.0.1:%d", port), b.Token(), "ext-1", peer.handle)
	_, err = client.Connect()
	require.NoError(t, err)
	go client.RunWithReconnect()
	t.Cleanup(client.Stop)

	require.Eventually(t, b.Connected, time.Second, 10*time.Millisecond)

	sess := session.New()
	store := baseline.New(t.TempDir())
	return toolsurface.New(b, sess, store)
}

func invoke(t *testing.T, s *toolsurface.Surface, tool string, args map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res := s.Invoke(context.Background(), tool, raw)
	return res.JSON
}

func TestAssertTextEquals(t *testing.T) {
	peer := &fakePeer{text: "Welcome"}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_text", map[string]any{"selector": "h1", "expected": "Welcome"})
	require.Equal(t, true, out["passed"])
}

func TestAssertTextContainsMismatch(t *testing.T) {
	peer := &fakePeer{text: "Goodbye"}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_text", map[string]any{"selector": "h1", "expected": "Welcome", "op": "contains"})
	require.Equal(t, false, out["passed"])
}

func TestAssertURLContains(t *testing.T) {
	peer := &fakePeer{url: "https://example.com/dashboard"}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_url", map[string]any{"expected": "dashboard", "op": "contains"})
	require.Equal(t, true, out["passed"])
}

func TestAssertElementVisible(t *testing.T) {
	peer := &fakePeer{found: true, visible: true}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_element", map[string]any{"selector": "#cta", "state": "visible"})
	require.Equal(t, true, out["passed"])
}

func TestAssertElementNotExistsPassesWhenAbsent(t *testing.T) {
	peer := &fakePeer{found: false}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_element", map[string]any{"selector": "#missing", "state": "not_exists"})
	require.Equal(t, true, out["passed"])
}

func TestAssertCountAtLeast(t *testing.T) {
	peer := &fakePeer{count: 5}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_count", map[string]any{"selector": ".item", "op": "atLeast", "expected": 3.0})
	require.Equal(t, true, out["passed"])
}

func TestAssertCountEqualsFails(t *testing.T) {
	peer := &fakePeer{count: 2}
	s := newHarness(t, peer)

	out := invoke(t, s, "assert_count", map[string]any{"selector": ".item", "expected": 3.0})
	require.Equal(t, false, out["passed"])
}

func TestVisualCompareFirstRunSavesBaseline(t *testing.T) {
	peer := &fakePeer{screenshotB64: solidPNGBase64(t, color.RGBA{10, 20, 30, 255})}
	s := newHarness(t, peer)

	out := invoke(t, s, "visual_compare", map[string]any{"name": "home"})
	require.Equal(t, true, out["firstRun"])
	require.Equal(t, true, out["baselineSaved"])
}

func TestVisualCompareMatchesAfterFirstRun(t *testing.T) {
	screenshot := solidPNGBase64(t, color.RGBA{10, 20, 30, 255})
	peer := &fakePeer{screenshotB64: screenshot}
	s := newHarness(t, peer)

	_ = invoke(t, s, "visual_compare", map[string]any{"name": "home"})
	out := invoke(t, s, "visual_compare", map[string]any{"name": "home"})
	require.Equal(t, true, out["match"])
}

func TestVisualUpdateOverwritesUnconditionally(t *testing.T) {
	peer := &fakePeer{screenshotB64: solidPNGBase64(t, color.RGBA{1, 1, 1, 255})}
	s := newHarness(t, peer)

	_ = invoke(t, s, "visual_compare", map[string]any{"name": "home"})

	peer.screenshotB64 = solidPNGBase64(t, color.RGBA{200, 200, 200, 255})
	out := invoke(t, s, "visual_update", map[string]any{"name": "home"})
	require.Equal(t, true, out["updated"])

	compareOut := invoke(t, s, "visual_compare", map[string]any{"name": "home"})
	require.Equal(t, true, compareOut["match"])
}

func TestNetworkAssertFindsMatchingRequest(t *testing.T) {
	peer := &fakePeer{requests: []map[string]any{
		{"url": "https://api.example.com/users", "method": "GET", "status": 200},
		{"url": "https://api.example.com/login", "method": "POST", "status": 401},
	}}
	s := newHarness(t, peer)

	out := invoke(t, s, "network_assert", map[string]any{"url_contains": "login", "method": "POST"})
	require.Equal(t, true, out["passed"])
}

func TestNetworkAssertReportsNoMatch(t *testing.T) {
	peer := &fakePeer{requests: []map[string]any{
		{"url": "https://api.example.com/users", "method": "GET", "status": 200},
	}}
	s := newHarness(t, peer)

	out := invoke(t, s, "network_assert", map[string]any{"url_contains": "nonexistent"})
	require.Equal(t, false, out["passed"])
}

func TestSessionStartEndSummarizesAssertions(t *testing.T) {
	peer := &fakePeer{text: "ok"}
	s := newHarness(t, peer)

	_ = invoke(t, s, "session_start", map[string]any{"name": "smoke"})
	_ = invoke(t, s, "assert_text", map[string]any{"selector": "h1", "expected": "ok"})

	out := invoke(t, s, "session_end", nil)
	require.Equal(t, "smoke", out["name"])
	require.Equal(t, float64(1), out["total"])
	require.Equal(t, true, out["passed"])
}

func TestUnknownToolReturnsError(t *testing.T) {
	peer := &fakePeer{}
	s := newHarness(t, peer)

	res := s.Invoke(context.Background(), "does_not_exist", json.RawMessage(`{}`))
	require.Contains(t, res.Text, "unknown tool")
}
