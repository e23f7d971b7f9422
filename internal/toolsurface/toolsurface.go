// Package toolsurface is the adapter that exposes named tools to the
// agent channel. Pass-through tools map one-to-one onto bridge commands;
// composed tools layer assertions, the baseline store, and the image
// comparator on top of one or more bridge commands.
//
// Every tool's return payload is a single text chunk carrying a
// JSON-encoded structured result, the way the teacher's
// mcpJSONResponse/mcpStructuredError helpers shape every MCP tool
// response (cmd/dev-console/tools_response.go).
package toolsurface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brennhill/agent-chrome-test/internal/baseline"
	"github.com/brennhill/agent-chrome-test/internal/bridge"
	"github.com/brennhill/agent-chrome-test/internal/bridgeerr"
	"github.com/brennhill/agent-chrome-test/internal/compare"
	"github.com/brennhill/agent-chrome-test/internal/protocol"
	"github.com/brennhill/agent-chrome-test/internal/session"
)

// maxActualLen truncates the "actual" value recorded on an assertion
// result, mirroring the audit log's truncation-for-safety convention.
const maxActualLen = 200

// Result is the structured JSON payload returned to the agent as a
// single text chunk.
type Result struct {
	Text string
	JSON map[string]any
}

// Tool is one named entry in the agent-visible catalogue, with a
// description and a handler; it carries no parameter schema. Tools form a
// table of records, not a set of methods, so the catalogue stays
// inspectable and testable.
type Tool struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, args json.RawMessage) (Result, error)
}

// Surface holds the tool table plus the collaborators composed tools
// need: the bridge, the test session, and the baseline store/comparator.
type Surface struct {
	Bridge   *bridge.Bridge
	Session  *session.Session
	Store    *baseline.Store
	Tools    map[string]Tool
	screenshotCmd func(ctx context.Context) ([]byte, error)
}

// New builds the tool table: one pass-through tool per bridge command
// plus the composed assertion/visual/network/session tools.
func New(b *bridge.Bridge, sess *session.Session, store *baseline.Store) *Surface {
	s := &Surface{Bridge: b, Session: sess, Store: store, Tools: make(map[string]Tool)}
	s.screenshotCmd = func(ctx context.Context) ([]byte, error) {
		data, err := b.SendCommand(ctx, protocol.CmdScreenshot, json.RawMessage(`{}`), bridge.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		var payload struct {
			PNGBase64 string `json:"png_base64"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(payload.PNGBase64)
	}

	s.registerPassthrough()
	s.registerAssertions()
	s.registerVisual()
	s.registerNetwork()
	s.registerSession()
	return s
}

// Invoke looks up a tool by name and runs it, converting any error or
// handler panic into a failure Result rather than letting it escape to
// the agent boundary.
func (s *Surface) Invoke(ctx context.Context, name string, args json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = errorResult(fmt.Errorf("tool %s panicked: %v", name, r))
		}
	}()
	tool, ok := s.Tools[name]
	if !ok {
		return errorResult(fmt.Errorf("unknown tool: %s", name))
	}
	res, err := tool.Handler(ctx, args)
	if err != nil {
		return errorResult(err)
	}
	return res
}

func errorResult(err error) Result {
	data := map[string]any{"error": err.Error()}
	return jsonResult(data)
}

func jsonResult(data map[string]any) Result {
	buf, _ := json.Marshal(data)
	return Result{Text: string(buf), JSON: data}
}

// registerPassthrough maps one tool per forwarded command, per the
// command name set in the data model. Tool names prefix "browser_".
func (s *Surface) registerPassthrough() {
	passthrough := []string{
		protocol.CmdNavigate, protocol.CmdScreenshot, protocol.CmdEvaluate,
		protocol.CmdURL, protocol.CmdTitle,
		protocol.CmdNetworkCaptureStart, protocol.CmdNetworkCaptureStop,
		protocol.CmdClick, protocol.CmdType, protocol.CmdSelect, protocol.CmdHover,
		protocol.CmdScroll, protocol.CmdKey, protocol.CmdWait,
		protocol.CmdQuery, protocol.CmdQueryAll, protocol.CmdText, protocol.CmdHTML,
	}
	for _, cmd := range passthrough {
		cmd := cmd
		s.Tools["browser_"+cmd] = Tool{
			Name:        "browser_" + cmd,
			Description: "Forwards to the \"" + cmd + "\" extension command.",
			Handler: func(ctx context.Context, args json.RawMessage) (Result, error) {
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				data, err := s.Bridge.SendCommand(ctx, cmd, args, bridge.DefaultTimeout)
				if err != nil {
					return Result{}, err
				}
				var payload map[string]any
				if len(data) > 0 {
					_ = json.Unmarshal(data, &payload)
				}
				if payload == nil {
					payload = map[string]any{}
				}
				return jsonResult(payload), nil
			},
		}
	}
}

// compareOp is the comparison operator family shared by text/url assertions.
type compareOp string

const (
	opContains compareOp = "contains"
	opEquals   compareOp = "equals"
	opMatches  compareOp = "matches"
)

// countOp is the comparison operator family for count assertions.
type countOp string

const (
	opCountEquals      countOp = "equals"
	opCountGreaterThan countOp = "greaterThan"
	opCountLessThan    countOp = "lessThan"
	opCountAtLeast     countOp = "atLeast"
	opCountAtMost      countOp = "atMost"
)

func (s *Surface) registerAssertions() {
	s.Tools["assert_text"] = Tool{
		Name:        "assert_text",
		Description: "Reads element/page text and compares it against an expected value.",
		Handler:     s.assertStringField(protocol.CmdText, "text"),
	}
	s.Tools["assert_url"] = Tool{
		Name:        "assert_url",
		Description: "Reads the current URL and compares it against an expected value.",
		Handler:     s.assertStringField(protocol.CmdURL, "url"),
	}
	s.Tools["assert_element"] = Tool{
		Name:        "assert_element",
		Description: "Asserts an element exists/not_exists/is visible/hidden.",
		Handler:     s.assertElement,
	}
	s.Tools["assert_count"] = Tool{
		Name:        "assert_count",
		Description: "Queries all matching elements and compares the count.",
		Handler:     s.assertCount,
	}
}

// assertStringField builds a handler that runs cmd, extracts field from
// its result, and compares it against args.expected using args.op.
func (s *Surface) assertStringField(cmd, field string) func(context.Context, json.RawMessage) (Result, error) {
	return func(ctx context.Context, args json.RawMessage) (Result, error) {
		var params struct {
			Selector string    `json:"selector"`
			Expected string    `json:"expected"`
			Op       compareOp `json:"op"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
		}
		if params.Op == "" {
			params.Op = opEquals
		}

		cmdArgs, _ := json.Marshal(map[string]any{"selector": params.Selector})
		data, err := s.Bridge.SendCommand(ctx, cmd, cmdArgs, bridge.DefaultTimeout)

		actual := ""
		readFailed := err != nil
		if !readFailed {
			var payload map[string]any
			_ = json.Unmarshal(data, &payload)
			if v, ok := payload[field].(string); ok {
				actual = v
			}
		}

		passed := !readFailed && compareStrings(params.Op, actual, params.Expected)
		s.Session.AddAssertion(passed, fmt.Sprintf("%s %s %q", field, params.Op, params.Expected))

		return jsonResult(map[string]any{
			"passed":   passed,
			"op":       params.Op,
			"expected": params.Expected,
			"actual":   truncate(actual),
		}), nil
	}
}

func compareStrings(op compareOp, actual, expected string) bool {
	switch op {
	case opContains:
		return strings.Contains(actual, expected)
	case opMatches:
		return actual == expected // literal equality, same as equals; no regular expression is evaluated
	default:
		return actual == expected
	}
}

// assertElement handles existence/visibility assertions. If the
// underlying read fails, the assertion is treated as passed only for
// not_exists/hidden semantics — otherwise failed, per the component
// contract.
func (s *Surface) assertElement(ctx context.Context, args json.RawMessage) (Result, error) {
	var params struct {
		Selector string `json:"selector"`
		State    string `json:"state"` // exists, not_exists, visible, hidden
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
	}
	if params.State == "" {
		params.State = "exists"
	}

	cmdArgs, _ := json.Marshal(map[string]any{"selector": params.Selector})
	data, err := s.Bridge.SendCommand(ctx, protocol.CmdQuery, cmdArgs, bridge.DefaultTimeout)

	negative := params.State == "not_exists" || params.State == "hidden"
	var passed bool
	actual := ""
	if err != nil {
		passed = negative
		actual = "read_failed"
	} else {
		var payload map[string]any
		_ = json.Unmarshal(data, &payload)
		found, _ := payload["found"].(bool)
		visible, _ := payload["visible"].(bool)
		switch params.State {
		case "exists":
			passed = found
		case "not_exists":
			passed = !found
		case "visible":
			passed = found && visible
		case "hidden":
			passed = !found || !visible
		}
		actual = fmt.Sprintf("found=%v visible=%v", found, visible)
	}

	s.Session.AddAssertion(passed, fmt.Sprintf("element %s %s", params.Selector, params.State))

	return jsonResult(map[string]any{
		"passed":   passed,
		"expected": params.State,
		"actual":   truncate(actual),
	}), nil
}

func (s *Surface) assertCount(ctx context.Context, args json.RawMessage) (Result, error) {
	var params struct {
		Selector string  `json:"selector"`
		Op       countOp `json:"op"`
		Expected int     `json:"expected"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
	}
	if params.Op == "" {
		params.Op = opCountEquals
	}

	cmdArgs, _ := json.Marshal(map[string]any{"selector": params.Selector})
	data, err := s.Bridge.SendCommand(ctx, protocol.CmdQueryAll, cmdArgs, bridge.DefaultTimeout)
	if err != nil {
		s.Session.AddAssertion(false, fmt.Sprintf("count %s %s %d", params.Selector, params.Op, params.Expected))
		return jsonResult(map[string]any{
			"passed":   false,
			"expected": params.Expected,
			"actual":   "read_failed",
		}), nil
	}

	var payload struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(data, &payload)

	passed := compareCount(params.Op, payload.Count, params.Expected)
	s.Session.AddAssertion(passed, fmt.Sprintf("count %s %s %d", params.Selector, params.Op, params.Expected))

	return jsonResult(map[string]any{
		"passed":   passed,
		"op":       params.Op,
		"expected": params.Expected,
		"actual":   payload.Count,
	}), nil
}

func compareCount(op countOp, actual, expected int) bool {
	switch op {
	case opCountGreaterThan:
		return actual > expected
	case opCountLessThan:
		return actual < expected
	case opCountAtLeast:
		return actual >= expected
	case opCountAtMost:
		return actual <= expected
	default:
		return actual == expected
	}
}

func truncate(s string) string {
	if len(s) <= maxActualLen {
		return s
	}
	return s[:maxActualLen] + "...[truncated]"
}

func (s *Surface) registerVisual() {
	s.Tools["visual_compare"] = Tool{
		Name:        "visual_compare",
		Description: "Screenshots the page and compares it against a stored baseline.",
		Handler:     s.visualCompare,
	}
	s.Tools["visual_update"] = Tool{
		Name:        "visual_update",
		Description: "Screenshots the page and overwrites the stored baseline unconditionally.",
		Handler:     s.visualUpdate,
	}
}

func (s *Surface) visualCompare(ctx context.Context, args json.RawMessage) (Result, error) {
	var params struct {
		Name      string  `json:"name"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
	}
	if err := baseline.ValidateName(params.Name); err != nil {
		return Result{}, err
	}

	actual, err := s.screenshotCmd(ctx)
	if err != nil {
		return Result{}, err
	}

	exists, err := s.Store.Exists(params.Name)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		if _, err := s.Store.Save(params.Name, actual); err != nil {
			return Result{}, err
		}
		return jsonResult(map[string]any{
			"firstRun":      true,
			"baselineSaved": true,
		}), nil
	}

	expected, _, err := s.Store.Load(params.Name)
	if err != nil {
		return Result{}, err
	}

	result, err := compare.Compare(actual, expected, params.Threshold)
	if err != nil {
		return Result{}, err
	}

	if !result.Match {
		if result.DiffImageBase64 != "" {
			diffBytes, decErr := base64.StdEncoding.DecodeString(result.DiffImageBase64)
			if decErr == nil {
				_, _ = s.Store.SaveDiff(params.Name, diffBytes)
			}
		}
	}

	s.Session.AddAssertion(result.Match, fmt.Sprintf("visual_compare %s", params.Name))

	return jsonResult(map[string]any{
		"match":           result.Match,
		"diffPixels":      result.DiffPixels,
		"totalPixels":     result.TotalPixels,
		"diffPercentage":  result.DiffPercentage,
	}), nil
}

func (s *Surface) visualUpdate(ctx context.Context, args json.RawMessage) (Result, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
	}
	if err := baseline.ValidateName(params.Name); err != nil {
		return Result{}, err
	}

	actual, err := s.screenshotCmd(ctx)
	if err != nil {
		return Result{}, err
	}
	path, err := s.Store.Save(params.Name, actual)
	if err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{
		"updated": true,
		"path":    path,
	}), nil
}

func (s *Surface) registerNetwork() {
	s.Tools["network_assert"] = Tool{
		Name:        "network_assert",
		Description: "Stops the active network capture and asserts a matching request was made.",
		Handler:     s.networkAssert,
	}
}

// networkAssert stops the ongoing capture as a side effect of asserting
// — by design, per the component contract — then scans the returned
// request list for the first entry matching the caller's filters.
func (s *Surface) networkAssert(ctx context.Context, args json.RawMessage) (Result, error) {
	var params struct {
		URLContains string `json:"url_contains"`
		Method      string `json:"method"`
		Status      *int   `json:"status"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
	}

	data, err := s.Bridge.SendCommand(ctx, protocol.CmdNetworkCaptureStop, json.RawMessage(`{}`), bridge.DefaultTimeout)
	if err != nil {
		return Result{}, err
	}

	var payload struct {
		Requests []struct {
			URL    string `json:"url"`
			Method string `json:"method"`
			Status int    `json:"status"`
		} `json:"requests"`
	}
	_ = json.Unmarshal(data, &payload)

	var matched map[string]any
	for _, req := range payload.Requests {
		if params.URLContains != "" && !strings.Contains(req.URL, params.URLContains) {
			continue
		}
		if params.Method != "" && !strings.EqualFold(req.Method, params.Method) {
			continue
		}
		if params.Status != nil && req.Status != *params.Status {
			continue
		}
		matched = map[string]any{"url": req.URL, "method": req.Method, "status": req.Status}
		break
	}

	passed := matched != nil
	s.Session.AddAssertion(passed, fmt.Sprintf("network_assert %s", params.URLContains))

	return jsonResult(map[string]any{
		"passed":         passed,
		"matchedRequest": matched,
		"totalCaptured":  len(payload.Requests),
	}), nil
}

func (s *Surface) registerSession() {
	s.Tools["session_start"] = Tool{
		Name:        "session_start",
		Description: "Starts a named test session, resetting the assertion buffer.",
		Handler: func(_ context.Context, args json.RawMessage) (Result, error) {
			var params struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return Result{}, fmt.Errorf("%w: %s", bridgeerr.ErrInvalidInput, err)
			}
			s.Session.Start(params.Name)
			return jsonResult(map[string]any{"started": params.Name}), nil
		},
	}
	s.Tools["session_end"] = Tool{
		Name:        "session_end",
		Description: "Ends the active test session and returns a summary.",
		Handler: func(_ context.Context, _ json.RawMessage) (Result, error) {
			summary := s.Session.End()
			buf, _ := json.Marshal(summary)
			var m map[string]any
			_ = json.Unmarshal(buf, &m)
			return jsonResult(m), nil
		},
	}
}
