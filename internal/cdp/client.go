// Package cdp discovers running IDE client instances over the Chrome DevTools
// Protocol and provides per-window handles for reading chat state and driving
// the chat UI.
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/logging"
)

// Client holds one browser-level CDP connection to the IDE's shared debug
// endpoint. All client windows appear as page targets on that endpoint.
type Client struct {
	host  string
	ports []int

	mu      sync.Mutex
	port    int
	browser *rod.Browser
}

// New builds a client for the given host and candidate debug ports. The first
// port that answers wins; pass a single-element slice to pin the port.
func New(host string, ports []int) *Client {
	return &Client{host: host, ports: ports}
}

// Connect probes the candidate ports and dials the first responsive debug
// endpoint. Safe to call again after a connection loss; any previous
// connection is discarded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		_ = c.browser.Close()
		c.browser = nil
	}

	var lastErr error
	for _, port := range c.ports {
		u, err := launcher.ResolveURL(fmt.Sprintf("%s:%d", c.host, port))
		if err != nil {
			lastErr = err
			continue
		}
		browser := rod.New().ControlURL(u).Context(ctx)
		if err := browser.Connect(); err != nil {
			lastErr = fmt.Errorf("connect port %d: %w", port, err)
			continue
		}
		c.port = port
		c.browser = browser
		logging.CDP("connected to debug endpoint on port %d", port)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate ports configured")
	}
	return fmt.Errorf("no debug endpoint found on %v: %w", c.ports, lastErr)
}

// Connected reports whether a browser connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browser != nil
}

// Port returns the debug port in use, or 0 before Connect succeeds.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Close tears down the browser connection. The remote IDE keeps running.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		_ = c.browser.Close()
		c.browser = nil
	}
}

// ListInstances enumerates client windows on the debug endpoint. Each
// workbench window is one page target with a vscode-file:// URL; DevTools and
// extension-host targets are skipped.
func (c *Client) ListInstances(ctx context.Context) ([]chat.InstanceInfo, error) {
	c.mu.Lock()
	browser := c.browser
	c.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("not connected")
	}

	res, err := proto.TargetGetTargets{}.Call(browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var instances []chat.InstanceInfo
	for _, t := range res.TargetInfos {
		if t.Type != "page" || !strings.HasPrefix(t.URL, "vscode-file://") {
			continue
		}
		if strings.Contains(strings.ToLower(t.Title), "devtools") {
			continue
		}
		instances = append(instances, chat.InstanceInfo{
			ID:    string(t.TargetID),
			Title: t.Title,
			Label: chat.ParseWorkspaceTitle(t.Title),
			WSURL: fmt.Sprintf("ws://%s:%d/devtools/page/%s", c.host, c.port, t.TargetID),
		})
	}
	return instances, nil
}

// Attach opens a page handle on the given target. The returned Instance owns
// the page until Detach.
func (c *Client) Attach(ctx context.Context, info chat.InstanceInfo) (*Instance, error) {
	c.mu.Lock()
	browser := c.browser
	c.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("not connected")
	}

	page, err := browser.Context(ctx).PageFromTarget(proto.TargetTargetID(info.ID))
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", info.ID, err)
	}
	return &Instance{ID: info.ID, Title: info.Title, Label: info.Label, page: page}, nil
}
