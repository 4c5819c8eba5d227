// Package mcp connects delv to MCP (Model Context Protocol) servers and
// exposes their tools to the agent engine.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/delvd/delv/pkg/config"
)

const (
	initTimeout      = 30 * time.Second
	operationTimeout = 60 * time.Second

	clientName    = "delv"
	clientVersion = "dev"
)

// Client manages MCP SDK sessions for the configured servers.
// Thread-safe: sessions may be used from many worker goroutines.
type Client struct {
	servers map[string]config.MCPServerConfig

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewClient creates a client for the configured servers. No connections
// are made until Connect.
func NewClient(servers map[string]config.MCPServerConfig) *Client {
	return &Client{
		servers:  servers,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials every configured server. Connection failures are logged
// and skipped — partial tool availability beats none.
func (c *Client) Connect(ctx context.Context) {
	for id := range c.servers {
		if err := c.connectServer(ctx, id); err != nil {
			slog.Warn("MCP server failed to connect", "server", id, "error", err)
		}
	}
}

func (c *Client) connectServer(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	serverCfg, ok := c.servers[serverID]
	if !ok {
		return fmt.Errorf("server %q not configured", serverID)
	}
	transport, err := createTransport(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	c.mu.Unlock()

	slog.Info("MCP server connected", "server", serverID)
	return nil
}

// ListTools returns the tool definitions of one connected server.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	return result.Tools, nil
}

// CallTool executes one tool call. The caller's ctx carries the per-tool
// timeout; no extra timeout is layered here.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}
	return session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
}

// ConnectedServers returns the IDs of servers with a live session.
func (c *Client) ConnectedServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down all sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lastErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil {
			lastErr = err
			slog.Warn("Failed to close MCP session", "server", id, "error", err)
		}
		delete(c.sessions, id)
	}
	return lastErr
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	return session, nil
}

func createTransport(cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}
