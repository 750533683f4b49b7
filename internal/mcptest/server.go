// Package mcptest provides a scripted MCP server reachable through an
// in-memory pipe, for tests of the session engine.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
	"github.com/ajitpratap0/mcp-session-go/pkg/utils"
)

// ErrNoReply makes a ToolHandler leave the call unanswered
var ErrNoReply = errors.New("mcptest: no reply")

// ToolHandler answers tools/call. Returning a *protocol.Error sends it as
// the JSON-RPC error.
type ToolHandler func(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error)

// Server is a fake MCP server. The zero value is not usable; call NewServer.
type Server struct {
	dialer *transport.PipeDialer

	mu          sync.Mutex
	token       string
	info        protocol.Implementation
	caps        protocol.ServerCapabilities
	tools       []protocol.Tool
	resources   []protocol.Resource
	prompts     []protocol.Prompt
	pageSize    int
	toolHandler ToolHandler
	listGate    chan struct{}
	listErr     map[string]*protocol.Error
	conns       map[transport.Conn]struct{}
	received    map[string]int
	waiting     map[string]chan *protocol.Message
	nextID      int
}

// SearchTool is one of the default tools; its query argument is required
var SearchTool = protocol.Tool{
	Name:        "search",
	Description: "Search the index",
	InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
}

// NewServer returns a server advertising tools, resources and prompts with
// a small default catalog
func NewServer() *Server {
	s := &Server{
		info: protocol.Implementation{Name: "mcptest", Version: "1.0.0"},
		caps: protocol.ServerCapabilities{
			Tools:     &protocol.ListChangedCapability{ListChanged: true},
			Resources: &protocol.ResourcesCapability{ListChanged: true},
			Prompts:   &protocol.ListChangedCapability{ListChanged: true},
		},
		tools: []protocol.Tool{
			SearchTool,
			{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		resources: []protocol.Resource{
			{URI: "file:///readme.md", Name: "readme", MimeType: "text/markdown"},
		},
		prompts: []protocol.Prompt{
			{Name: "summarize", Arguments: []protocol.PromptArgument{{Name: "text", Required: true}}},
		},
		listErr:  make(map[string]*protocol.Error),
		conns:    make(map[transport.Conn]struct{}),
		received: make(map[string]int),
		waiting:  make(map[string]chan *protocol.Message),
	}
	s.dialer = &transport.PipeDialer{
		Serve:     s.serve,
		Authorize: s.authorize,
		Buffer:    64,
	}
	return s
}

// Dialer returns the dialer connecting clients to s
func (s *Server) Dialer() transport.Dialer {
	return s.dialer
}

// Wait blocks until every connection handler has returned
func (s *Server) Wait() {
	s.dialer.Wait()
}

// RequireToken makes Open fail with ErrAuthRequired unless the bearer
// token is presented. An empty token disables the check.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetCapabilities replaces the advertised capabilities
func (s *Server) SetCapabilities(caps protocol.ServerCapabilities) {
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
}

// SetTools replaces the tool list
func (s *Server) SetTools(tools ...protocol.Tool) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

// SetPageSize splits list results into pages of n items
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	s.pageSize = n
	s.mu.Unlock()
}

// SetToolHandler replaces the default tool behavior, which echoes the
// arguments back as text
func (s *Server) SetToolHandler(h ToolHandler) {
	s.mu.Lock()
	s.toolHandler = h
	s.mu.Unlock()
}

// FailList makes method answer with err; nil clears it
func (s *Server) FailList(method string, err *protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.listErr, method)
		return
	}
	s.listErr[method] = err
}

// HoldLists blocks list requests until the returned release is called
func (s *Server) HoldLists() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.listGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.listGate == gate {
				s.listGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Received returns how many messages with method the server has seen
func (s *Server) Received(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[method]
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Drop closes every connection from the server side
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Notify sends a notification on every connection
func (s *Server) Notify(ctx context.Context, method string, params interface{}) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		errs = append(errs, conn.Send(ctx, frame))
	}
	return errors.Join(errs...)
}

// Request sends a server-initiated request on one connection and waits
// for the client's response
func (s *Server) Request(ctx context.Context, method string, params interface{}) (*protocol.Message, error) {
	s.mu.Lock()
	var conn transport.Conn
	for c := range s.conns {
		conn = c
		break
	}
	s.nextID++
	id := "srv-" + strconv.Itoa(s.nextID)
	ch := make(chan *protocol.Message, 1)
	s.waiting[strconv.Quote(id)] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiting, strconv.Quote(id))
		s.mu.Unlock()
	}()

	if conn == nil {
		return nil, errors.New("mcptest: no connection")
	}
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) authorize(header http.Header) bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return token == "" || header.Get("Authorization") == "Bearer "+token
}

func (s *Server) serve(ctx context.Context, conn transport.Conn, _ http.Header) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for frame, err := range conn.Receive(ctx) {
		if err != nil {
			return
		}
		msgs, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			s.mu.Lock()
			s.received[msg.Method]++
			s.mu.Unlock()

			switch msg.Kind() {
			case protocol.KindRequest:
				wg.Add(1)
				go func(msg *protocol.Message) {
					defer wg.Done()
					s.handle(ctx, conn, msg)
				}(msg)
			case protocol.KindResponse:
				s.mu.Lock()
				ch := s.waiting[string(msg.ID)]
				s.mu.Unlock()
				if ch != nil {
					ch <- msg
				}
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, conn transport.Conn, msg *protocol.Message) {
	result, rpcErr := s.result(ctx, msg)
	if result == nil && rpcErr == nil {
		return
	}

	var resp *protocol.Response
	var err error
	if rpcErr != nil {
		resp, err = protocol.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, nil)
	} else {
		resp, err = protocol.NewResponse(msg.ID, result)
	}
	if err != nil {
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.Send(ctx, frame)
}

func (s *Server) result(ctx context.Context, msg *protocol.Message) (interface{}, *protocol.Error) {
	switch msg.Method {
	case protocol.MethodInitialize:
		s.mu.Lock()
		defer s.mu.Unlock()
		return &protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolRevision,
			Capabilities:    s.caps,
			ServerInfo:      s.info,
		}, nil

	case protocol.MethodPing:
		return struct{}{}, nil

	case protocol.MethodListTools, protocol.MethodListResources, protocol.MethodListPrompts:
		return s.list(ctx, msg)

	case protocol.MethodCallTool:
		return s.callTool(ctx, msg)

	case protocol.MethodReadResource:
		var p protocol.ReadResourceParams
		_ = json.Unmarshal(msg.Params, &p)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, r := range s.resources {
			if r.URI == p.URI {
				return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{
					{URI: r.URI, MimeType: r.MimeType, Text: "contents of " + r.URI},
				}}, nil
			}
		}
		return nil, &protocol.Error{Code: protocol.ResourceNotFound, Message: "resource not found"}

	case protocol.MethodGetPrompt:
		var p protocol.GetPromptParams
		_ = json.Unmarshal(msg.Params, &p)
		return &protocol.GetPromptResult{
			Description: p.Name,
			Messages: []protocol.PromptMessage{
				{Role: "user", Content: protocol.Content{Type: "text", Text: p.Arguments["text"]}},
			},
		}, nil
	}
	return nil, &protocol.Error{Code: protocol.MethodNotFound, Message: "method not found: " + msg.Method}
}

func (s *Server) list(ctx context.Context, msg *protocol.Message) (interface{}, *protocol.Error) {
	s.mu.Lock()
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil
		}
	}

	var p protocol.PaginatedParams
	_ = json.Unmarshal(msg.Params, &p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rpcErr := s.listErr[msg.Method]; rpcErr != nil {
		return nil, rpcErr
	}

	start := 0
	if p.Cursor != "" {
		n, err := strconv.Atoi(p.Cursor)
		if err != nil {
			return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "bad cursor"}
		}
		start = n
	}

	var total int
	switch msg.Method {
	case protocol.MethodListTools:
		total = len(s.tools)
	case protocol.MethodListResources:
		total = len(s.resources)
	default:
		total = len(s.prompts)
	}
	if start > total {
		start = total
	}
	end := total
	if s.pageSize > 0 && start+s.pageSize < total {
		end = start + s.pageSize
	}
	next := ""
	if end < total {
		next = strconv.Itoa(end)
	}
	page := protocol.PaginatedResult{NextCursor: next}

	switch msg.Method {
	case protocol.MethodListTools:
		return &protocol.ListToolsResult{Tools: append([]protocol.Tool{}, s.tools[start:end]...), PaginatedResult: page}, nil
	case protocol.MethodListResources:
		return &protocol.ListResourcesResult{Resources: append([]protocol.Resource{}, s.resources[start:end]...), PaginatedResult: page}, nil
	default:
		return &protocol.ListPromptsResult{Prompts: append([]protocol.Prompt{}, s.prompts[start:end]...), PaginatedResult: page}, nil
	}
}

func (s *Server) callTool(ctx context.Context, msg *protocol.Message) (interface{}, *protocol.Error) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: err.Error()}
	}

	s.mu.Lock()
	handler := s.toolHandler
	var tool *protocol.Tool
	for i := range s.tools {
		if s.tools[i].Name == p.Name {
			tool = &s.tools[i]
			break
		}
	}
	var schema json.RawMessage
	if tool != nil {
		schema = tool.InputSchema
	}
	s.mu.Unlock()

	if tool == nil {
		return nil, &protocol.Error{Code: protocol.InvalidParams, Message: "unknown tool " + p.Name}
	}
	if len(schema) > 0 && len(p.Arguments) > 0 {
		if err := utils.ValidateAgainstSchema(p.Arguments, schema); err != nil {
			return nil, &protocol.Error{Code: protocol.InvalidParams, Message: err.Error()}
		}
	}
	if handler == nil {
		return &protocol.CallToolResult{Content: []protocol.Content{
			{Type: "text", Text: fmt.Sprintf("%s %s", p.Name, string(p.Arguments))},
		}}, nil
	}

	result, err := handler(ctx, p.Name, p.Arguments)
	if errors.Is(err, ErrNoReply) {
		return nil, nil
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return nil, rpcErr
	}
	if err != nil {
		return nil, &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
	}
	return result, nil
}
