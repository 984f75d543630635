package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/rjr-go/directory"
)

const defaultPendingThreshold = 1000

// ConnectedNode is a node that can report its broker connection
type ConnectedNode interface {
	NodeID() string
	IsConnected() bool
	PendingCount() int
}

// NodeChecker reports whether a node holds a live broker connection and
// how many calls it is waiting on
type NodeChecker struct {
	node             ConnectedNode
	pendingThreshold int
}

// NewNodeChecker creates a checker for node. A node waiting on more than
// pendingThreshold calls is degraded; zero uses the default.
func NewNodeChecker(node ConnectedNode, pendingThreshold int) *NodeChecker {
	if pendingThreshold <= 0 {
		pendingThreshold = defaultPendingThreshold
	}
	return &NodeChecker{node: node, pendingThreshold: pendingThreshold}
}

func (c *NodeChecker) Name() string {
	return "node_" + c.node.NodeID()
}

func (c *NodeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.node.IsConnected()
	pending := c.node.PendingCount()
	result.Details["connected"] = connected
	result.Details["pending_calls"] = pending

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "no broker connection"
	case pending > c.pendingThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls awaiting a response", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "connected"
	}

	result.Duration = time.Since(start)
	return result
}

// DirectoryChecker checks that a node id resolves in a directory
type DirectoryChecker struct {
	dir directory.Directory
	id  string
}

// NewDirectoryChecker creates a checker resolving id in dir
func NewDirectoryChecker(dir directory.Directory, id string) *DirectoryChecker {
	return &DirectoryChecker{dir: dir, id: id}
}

func (c *DirectoryChecker) Name() string {
	return "directory"
}

func (c *DirectoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"node": c.id},
	}

	queue, err := c.dir.Resolve(ctx, c.id)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("failed to resolve %s", c.id)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "registered"
	result.Details["queue"] = queue
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// GoroutineChecker degrades and then fails as the goroutine count grows
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
