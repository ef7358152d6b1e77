// Package mcp exposes terminal tools over newline-delimited JSON-RPC on
// stdio, so agent harnesses can drive the default session without a
// websocket connection.
package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/choonkeat/ptyhub/internal/registry"
	"github.com/choonkeat/ptyhub/internal/term"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverName      = "ptyhub"
	serverVersion   = "1.0.0"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the tools/call payload. Tool failures are reported here
// with IsError set, not as JSON-RPC errors.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: text}}}
}

func errorResult(format string, args ...interface{}) toolResult {
	return toolResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

type server struct {
	reg *registry.Registry
	out io.Writer
}

// Serve reads one JSON-RPC request per line from in and writes one
// response line per request to out, until in reaches EOF. Notifications
// (requests without an id) produce no response.
func Serve(in io.Reader, out io.Writer, reg *registry.Registry) {
	srv := &server{reg: reg, out: out}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			srv.reply(response{
				JSONRPC: jsonrpcVersion,
				Error:   &rpcError{Code: codeParseError, Message: "Parse error: " + err.Error()},
			})
			continue
		}
		if resp := srv.handle(req); resp != nil {
			srv.reply(*resp)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("MCP: read error: %v", err)
	}
}

func (s *server) reply(resp response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Printf("MCP: marshal response: %v", err)
		return
	}
	raw = append(raw, '\n')
	if _, err := s.out.Write(raw); err != nil {
		log.Printf("MCP: write response: %v", err)
	}
}

func (s *server) handle(req request) *response {
	notification := len(req.ID) == 0 || bytes.Equal(req.ID, []byte("null"))

	var result interface{}
	var rpcErr *rpcError

	switch req.Method {
	case "initialize":
		result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		}
	case "initialized", "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = map[string]interface{}{"tools": toolDefinitions()}
	case "tools/call":
		result, rpcErr = s.callTool(req.Params)
	default:
		rpcErr = &rpcError{Code: codeMethodNotFound, Message: "Method not found: " + req.Method}
	}

	if notification {
		return nil
	}
	resp := &response{JSONRPC: jsonrpcVersion, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func toolDefinitions() []toolDefinition {
	return []toolDefinition{
		{
			Name:        "type",
			Description: "Send text input to the terminal. The text is written directly to the terminal as if typed by a user.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":        "string",
						"description": "The text to type into the terminal",
					},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "sendKey",
			Description: "Send a special key or key combination to the terminal. Supports keys like Enter, Tab, Escape, arrow keys (Up, Down, Left, Right), function keys (F1-F12), and control combinations (Ctrl+C, Ctrl+D, etc.).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"key": map[string]interface{}{
						"type":        "string",
						"description": "The key to send. Examples: 'Enter', 'Tab', 'Escape', 'Up', 'Down', 'Left', 'Right', 'Ctrl+C', 'Ctrl+D', 'Ctrl+Z', 'F1', 'Home', 'End', 'PageUp', 'PageDown', 'Backspace', 'Delete'",
					},
				},
				"required": []string{"key"},
			},
		},
		{
			Name:        "getContent",
			Description: "Get the current terminal buffer content as plain text. Returns the visible screen content without ANSI escape codes.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"start_row": map[string]interface{}{
						"type":        "integer",
						"description": "Starting row (0-indexed). If not specified, starts from the first row.",
						"minimum":     0,
					},
					"end_row": map[string]interface{}{
						"type":        "integer",
						"description": "Ending row (exclusive). If not specified, includes all rows to the end.",
						"minimum":     0,
					},
					"include_trailing_whitespace": map[string]interface{}{
						"type":        "boolean",
						"description": "Whether to include trailing whitespace in the output. Default is false.",
						"default":     false,
					},
				},
			},
		},
		{
			Name:        "takeScreenshot",
			Description: "Capture the current terminal state as text. By default includes ANSI escape codes for colors and formatting. Use format='plain' for plain text without escape codes.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"format": map[string]interface{}{
						"type":        "string",
						"description": "Output format: 'ansi' (default) includes color codes, 'plain' is plain text only",
						"enum":        []string{"ansi", "plain"},
						"default":     "ansi",
					},
				},
			},
		},
		{
			Name:        "clear",
			Description: "Clear the terminal screen and move cursor to the top-left position.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *server) callTool(params json.RawMessage) (interface{}, *rpcError) {
	var call callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params: " + err.Error()}
		}
	}

	switch call.Name {
	case "type":
		return s.typeText(call.Arguments), nil
	case "sendKey":
		return s.sendKey(call.Arguments), nil
	case "getContent":
		return s.getContent(call.Arguments), nil
	case "takeScreenshot":
		return s.takeScreenshot(call.Arguments), nil
	case "clear":
		return s.clear(call.Arguments), nil
	}
	return nil, &rpcError{Code: codeInvalidParams, Message: "Unknown tool: " + call.Name}
}

func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	return json.Unmarshal(args, v)
}

// session resolves the default session, starting it on first use.
func (s *server) session() (*term.Session, error) {
	return s.reg.DefaultSession()
}

func (s *server) typeText(args json.RawMessage) toolResult {
	var a struct {
		Text string `json:"text"`
	}
	if err := unmarshalArgs(args, &a); err != nil {
		return errorResult("Invalid arguments: %v", err)
	}
	sess, err := s.session()
	if err != nil {
		return errorResult("Failed to write to terminal: %v", err)
	}
	if err := sess.WriteString(a.Text); err != nil {
		return errorResult("Failed to write to terminal: %v", err)
	}
	return textResult(fmt.Sprintf("Typed %d characters", len(a.Text)))
}

func (s *server) sendKey(args json.RawMessage) toolResult {
	var a struct {
		Key string `json:"key"`
	}
	if err := unmarshalArgs(args, &a); err != nil {
		return errorResult("Invalid arguments: %v", err)
	}
	sess, err := s.session()
	if err != nil {
		return errorResult("Failed to send key: %v", err)
	}
	if err := sess.SendKey(a.Key); err != nil {
		return errorResult("Failed to send key: %v", err)
	}
	return textResult("Sent key: " + a.Key)
}

func (s *server) getContent(args json.RawMessage) toolResult {
	var a struct {
		StartRow                  *int `json:"start_row"`
		EndRow                    *int `json:"end_row"`
		IncludeTrailingWhitespace bool `json:"include_trailing_whitespace"`
	}
	// Malformed optional arguments fall back to defaults.
	_ = unmarshalArgs(args, &a)

	sess, err := s.session()
	if err != nil {
		return errorResult("Failed to read terminal: %v", err)
	}

	var content string
	switch {
	case a.StartRow != nil && a.EndRow != nil:
		content = sess.ContentRange(*a.StartRow, *a.EndRow)
	case a.StartRow != nil:
		content = sess.ContentRange(*a.StartRow, sess.Rows())
	case a.EndRow != nil:
		content = sess.ContentRange(0, *a.EndRow)
	default:
		content = sess.VisibleContent()
	}
	if !a.IncludeTrailingWhitespace {
		content = term.CleanOutput(content)
	}
	return textResult(content)
}

func (s *server) takeScreenshot(args json.RawMessage) toolResult {
	var a struct {
		Format string `json:"format"`
	}
	_ = unmarshalArgs(args, &a)

	sess, err := s.session()
	if err != nil {
		return errorResult("Failed to read terminal: %v", err)
	}
	if a.Format == "plain" {
		shot := sess.Screenshot()
		return textResult(shot.Header() + shot.Content)
	}
	return textResult(sess.ScreenshotANSI())
}

func (s *server) clear(args json.RawMessage) toolResult {
	sess, err := s.session()
	if err != nil {
		return errorResult("Failed to clear terminal: %v", err)
	}
	if err := sess.Clear(); err != nil {
		return errorResult("Failed to clear terminal: %v", err)
	}
	return textResult("Terminal cleared")
}
