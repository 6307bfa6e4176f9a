package ctlplane

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/leak"
)

// Client is the RPC client for talking to the privileged daemon.
type Client struct {
	path   string
	mu     sync.RWMutex
	client *rpc.Client
}

// NewClient connects to the daemon's control socket.
func NewClient() (*Client, error) {
	return NewClientWithPath(GetSocketPath())
}

// NewClientWithPath connects to a socket at an explicit path.
func NewClientWithPath(path string) (*Client, error) {
	rc, err := rpc.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to control plane at %s: %w", path, err)
	}
	return &Client{path: path, client: rc}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// call wraps the RPC call with one reconnect attempt, covering the case
// where the daemon restarted between commands.
func (c *Client) call(serviceMethod string, args any, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	err := client.Call(serviceMethod, args, reply)
	if err == nil {
		return nil
	}

	if err == rpc.ErrShutdown || isNetworkError(err) {
		if recErr := c.reconnect(client); recErr != nil {
			return fmt.Errorf("RPC call failed (%v) and reconnection failed: %w", err, recErr)
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		return client.Call(serviceMethod, args, reply)
	}
	return err
}

// reconnect replaces the underlying connection, unless another caller beat
// us to it.
func (c *Client) reconnect(failed *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != failed {
		return nil
	}
	if c.client != nil {
		c.client.Close()
	}

	rc, err := rpc.Dial("unix", c.path)
	if err != nil {
		c.client = nil
		return err
	}
	c.client = rc
	return nil
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

// GetStatus returns the daemon's full state.
func (c *Client) GetStatus() (*Status, error) {
	var reply GetStatusReply
	if err := c.call("Server.GetStatus", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply.Status, nil
}

// ListModes returns the mode catalog.
func (c *Client) ListModes() ([]ModeInfo, error) {
	var reply ListModesReply
	if err := c.call("Server.ListModes", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Modes, nil
}

// SwitchMode requests a transition to the named mode and blocks until it
// resolves. A nil record with a nil error means a same-mode revalidation.
func (c *Client) SwitchMode(mode string) (*audit.TransitionRecord, error) {
	var reply SwitchModeReply
	if err := c.call("Server.SwitchMode", &SwitchModeArgs{Mode: mode}, &reply); err != nil {
		return nil, err
	}
	return reply.Record, nil
}

// RunLeakTest runs the full leak suite and returns the report.
func (c *Client) RunLeakTest() (*leak.Report, error) {
	var reply RunLeakTestReply
	if err := c.call("Server.RunLeakTest", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Report, nil
}

// KillSwitchEngage drops all traffic immediately.
func (c *Client) KillSwitchEngage(reason string) (string, error) {
	var reply KillSwitchReply
	if err := c.call("Server.KillSwitchEngage", &KillSwitchEngageArgs{Reason: reason}, &reply); err != nil {
		return "", err
	}
	return reply.State, nil
}

// KillSwitchDisengage presents the operator token and restores the active
// policy on success.
func (c *Client) KillSwitchDisengage(token string) (string, error) {
	var reply KillSwitchReply
	if err := c.call("Server.KillSwitchDisengage", &KillSwitchDisengageArgs{Token: token}, &reply); err != nil {
		return "", err
	}
	return reply.State, nil
}

// GetHistory returns recent transitions and leak runs.
func (c *Client) GetHistory(since time.Time, limit int) ([]audit.TransitionRecord, []audit.LeakRecord, error) {
	var reply GetHistoryReply
	if err := c.call("Server.GetHistory", &GetHistoryArgs{Since: since, Limit: limit}, &reply); err != nil {
		return nil, nil, err
	}
	return reply.Transitions, reply.LeakRuns, nil
}
