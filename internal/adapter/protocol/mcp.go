package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// MCPConfig configures one MCP server connection.
type MCPConfig struct {
	// Name identifies the resource in discovery results.
	Name string
	// Endpoint is the streamable-HTTP URL; leave empty for stdio.
	Endpoint string
	// Command launches a stdio server when Endpoint is empty.
	Command []string
	// Transport overrides Endpoint and Command when set; used for
	// in-process servers.
	Transport mcp.Transport
	Limits    Limits
}

// MCPAdapter speaks the Model Context Protocol through the official SDK.
// One adapter per upstream server; the session is established lazily and
// reused across calls.
type MCPAdapter struct {
	cfg    MCPConfig
	client *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession

	toolMu sync.RWMutex
	tools  map[string]*mcp.Tool
}

// NewMCPAdapter creates an adapter for one MCP server.
func NewMCPAdapter(cfg MCPConfig) *MCPAdapter {
	cfg.Limits = cfg.Limits.withDefaults()
	return &MCPAdapter{
		cfg:    cfg,
		client: mcp.NewClient(&mcp.Implementation{Name: "sark", Version: "1.0"}, nil),
	}
}

func (a *MCPAdapter) ProtocolName() string    { return "mcp" }
func (a *MCPAdapter) ProtocolVersion() string { return "2025-06-18" }

// connect establishes or reuses the client session.
func (a *MCPAdapter) connect(ctx context.Context) (*mcp.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}

	var transport mcp.Transport
	switch {
	case a.cfg.Transport != nil:
		transport = a.cfg.Transport
	case a.cfg.Endpoint != "":
		transport = &mcp.StreamableClientTransport{Endpoint: a.cfg.Endpoint}
	case len(a.cfg.Command) > 0:
		transport = &mcp.CommandTransport{Command: exec.Command(a.cfg.Command[0], a.cfg.Command[1:]...)}
	default:
		return nil, authz.NewError(authz.KindValidation, "mcp adapter needs an endpoint or a command")
	}

	session, err := a.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	a.session = session
	return session, nil
}

// DiscoverResources returns the connected server as a single resource.
func (a *MCPAdapter) DiscoverResources(ctx context.Context) ([]ResourceSchema, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	session, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := a.listTools(ctx, session)
	if err != nil {
		return nil, err
	}
	return []ResourceSchema{{
		Name:     a.cfg.Name,
		Protocol: a.ProtocolName(),
		Endpoint: a.cfg.Endpoint,
		Metadata: map[string]any{"tools": len(tools)},
	}}, nil
}

// GetCapabilities lists the server's tools.
func (a *MCPAdapter) GetCapabilities(ctx context.Context, resource string) ([]CapabilitySchema, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	session, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := a.listTools(ctx, session)
	if err != nil {
		return nil, err
	}

	caps := make([]CapabilitySchema, 0, len(tools))
	for _, t := range tools {
		caps = append(caps, CapabilitySchema{
			Name:            t.Name,
			Description:     t.Description,
			InputSchema:     toJSONMap(t.InputSchema),
			SensitivityHint: tool.Detect(t.Name, t.Description, nil),
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}

// ValidateRequest checks the tool exists on the connected server.
func (a *MCPAdapter) ValidateRequest(inv Invocation) error {
	a.toolMu.RLock()
	defer a.toolMu.RUnlock()
	if a.tools == nil {
		// Not discovered yet; Invoke will connect and the server rejects
		// unknown tools itself.
		return nil
	}
	if _, ok := a.tools[inv.Capability]; !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown tool %q", inv.Capability))
	}
	return nil
}

// Invoke calls one tool.
func (a *MCPAdapter) Invoke(ctx context.Context, inv Invocation) (InvocationResult, error) {
	start := time.Now()
	if err := a.ValidateRequest(inv); err != nil {
		return InvocationResult{}, err
	}
	if _, err := checkPayloadSize(inv.Parameters, a.cfg.Limits.MaxPayloadBytes); err != nil {
		return InvocationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	session, err := a.connect(ctx)
	if err != nil {
		return InvocationResult{}, err
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      inv.Capability,
		Arguments: inv.Parameters,
	})
	duration := time.Since(start)
	if err != nil {
		return InvocationResult{}, authz.NewError(authz.KindDownstreamError, err.Error())
	}

	out := InvocationResult{
		Success:  !res.IsError,
		Duration: duration,
		Metadata: map[string]any{"tool": inv.Capability},
	}
	text := contentText(res.Content)
	if res.IsError {
		out.Error = text
		return out, nil
	}
	if res.StructuredContent != nil {
		out.Result = res.StructuredContent
	} else {
		out.Result = text
	}
	return out, nil
}

// HealthCheck pings the session.
func (a *MCPAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	session, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if err := session.Ping(ctx, nil); err != nil {
		return authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	return nil
}

// Close tears down the session.
func (a *MCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	return err
}

func (a *MCPAdapter) listTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, authz.NewError(authz.KindDownstreamError, err.Error())
	}
	index := make(map[string]*mcp.Tool, len(res.Tools))
	for _, t := range res.Tools {
		index[t.Name] = t
	}
	a.toolMu.Lock()
	a.tools = index
	a.toolMu.Unlock()
	return res.Tools, nil
}

// contentText flattens text content blocks.
func contentText(blocks []mcp.Content) string {
	var parts []string
	for _, b := range blocks {
		if t, ok := b.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toJSONMap renders any JSON-marshalable value as a generic map.
func toJSONMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

var _ Adapter = (*MCPAdapter)(nil)
