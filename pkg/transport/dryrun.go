package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DryRun accepts every message without sending it. Used in lite mode and
// tests; Fail lets a test script failures per instance.
type DryRun struct {
	mu     sync.Mutex
	sent   []Message
	fail   map[string]Result
	logger *slog.Logger
}

func NewDryRun() *DryRun {
	return &DryRun{
		fail:   make(map[string]Result),
		logger: slog.Default().With("component", "transport.dryrun"),
	}
}

// Fail makes every later send from instanceID return res.
func (d *DryRun) Fail(instanceID string, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[instanceID] = res
}

// Recover clears a scripted failure.
func (d *DryRun) Recover(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fail, instanceID)
}

// Sent returns a copy of the accepted messages.
func (d *DryRun) Sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.sent...)
}

func (d *DryRun) Send(ctx context.Context, msg Message) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res, ok := d.fail[msg.InstanceID]; ok {
		return res, nil
	}
	d.sent = append(d.sent, msg)
	d.logger.DebugContext(ctx, "dry-run send", "instance_id", msg.InstanceID, "job_id", msg.JobID, "type", msg.Type)
	return Result{Success: true, ProviderMessageID: "dry-" + uuid.NewString()}, nil
}
