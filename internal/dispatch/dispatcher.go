// Package dispatch implements the inbound message pipeline: filtering, prefix
// matching, rate limiting, and single-flight queued command execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/courier/internal/plugins"
	"github.com/haasonsaas/courier/internal/ratelimit"
	"github.com/haasonsaas/courier/pkg/models"
)

// Transport is the outbound half of the messaging backend the dispatcher
// needs: deliver one text message into a conversation.
type Transport interface {
	Send(ctx context.Context, chatID, text string) error
}

// Config configures the dispatcher.
type Config struct {
	// Prefix is the literal string a message must start with to be treated
	// as a command.
	Prefix string `yaml:"prefix"`

	// Timeout bounds one handler execution.
	Timeout time.Duration `yaml:"timeout"`

	// Owner is the identity allowed to run owner-only commands.
	Owner string `yaml:"owner"`

	// QueueSize bounds the pending-invocation queue.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:    ".",
		Timeout:   30 * time.Second,
		QueueSize: 256,
	}
}

const (
	rateLimitNotice = "You're sending commands too fast. Give it a moment and try again."
	ownerOnlyNotice = "That command is reserved for the bot owner."
)

// queuedInvocation is one intake-accepted command waiting for the drain loop.
type queuedInvocation struct {
	token  string
	args   []string
	sender string
	chat   string
	msg    *models.Message
}

// Dispatcher routes inbound messages to plugin handlers.
//
// Intake (HandleMessage) is cheap and non-blocking; accepted invocations go
// onto a FIFO queue consumed by a single drain goroutine, so no two handlers
// ever run concurrently. A slow handler stalls the queue until it finishes or
// times out.
type Dispatcher struct {
	config    Config
	registry  *plugins.Registry
	limiter   *ratelimit.Limiter
	syncer    *plugins.Syncer
	tracker   *plugins.CrashTracker
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	queue chan *queuedInvocation
	wg    sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a dispatcher. A nil metrics uses the default registerer.
func New(config Config, registry *plugins.Registry, limiter *ratelimit.Limiter,
	syncer *plugins.Syncer, tracker *plugins.CrashTracker, transport Transport,
	logger *slog.Logger, metrics *Metrics) *Dispatcher {

	if config.Prefix == "" {
		config.Prefix = DefaultConfig().Prefix
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Dispatcher{
		config:    config,
		registry:  registry,
		limiter:   limiter,
		syncer:    syncer,
		tracker:   tracker,
		transport: transport,
		logger:    logger.With("component", "dispatch"),
		metrics:   metrics,
		queue:     make(chan *queuedInvocation, config.QueueSize),
		now:       time.Now,
	}
}

// Start launches the drain loop. It returns immediately; the loop runs until
// ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drain(ctx)
	}()
}

// Wait blocks until the drain loop has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleMessage runs the intake pipeline for one inbound message: filter,
// extract, prefix match, tokenize, rate check, enqueue. It never blocks on
// command execution.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}
	d.metrics.Received.Inc()

	// Self-echo must never be treated as a command; the bot would feed on
	// its own replies.
	if msg.FromSelf {
		d.metrics.Dropped.WithLabelValues("self").Inc()
		return
	}

	text := msg.Payload.Extract()
	if text == "" {
		d.metrics.Dropped.WithLabelValues("no_content").Inc()
		return
	}

	if !strings.HasPrefix(text, d.config.Prefix) {
		d.metrics.Dropped.WithLabelValues("no_prefix").Inc()
		return
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, d.config.Prefix))
	fields := strings.Fields(body)
	if len(fields) == 0 {
		d.metrics.Dropped.WithLabelValues("empty_command").Inc()
		return
	}

	if !d.limiter.Allow(msg.SenderID) {
		d.metrics.RateLimited.Inc()
		d.notify(ctx, msg.ChatID, rateLimitNotice)
		return
	}

	item := &queuedInvocation{
		token:  fields[0],
		args:   fields[1:],
		sender: msg.SenderID,
		chat:   msg.ChatID,
		msg:    msg,
	}

	select {
	case d.queue <- item:
	default:
		d.metrics.Dropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn("command queue full, dropping invocation",
			"token", item.token,
			"sender", item.sender)
	}
}

// drain pops invocations one at a time, fully finishing each execution before
// the next starts.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.execute(ctx, item)
		}
	}
}

// execute resolves and guards one invocation, then runs its handler under the
// configured deadline.
func (d *Dispatcher) execute(ctx context.Context, item *queuedInvocation) {
	desc := d.registry.Resolve(item.token)
	if desc == nil {
		// Unknown commands are not errors; not every dot-message is ours.
		d.metrics.Dropped.WithLabelValues("unknown_command").Inc()
		return
	}

	if !desc.Enabled {
		d.metrics.Dropped.WithLabelValues("disabled").Inc()
		d.notify(ctx, item.chat, fmt.Sprintf("The %s%s command is currently disabled.", d.config.Prefix, desc.Name))
		return
	}

	if desc.OwnerOnly && item.sender != d.config.Owner {
		d.metrics.Dropped.WithLabelValues("owner_only").Inc()
		d.notify(ctx, item.chat, ownerOnlyNotice)
		return
	}

	d.runHandler(ctx, desc, item)
}

// runHandler races the handler against the timeout. Exactly one of the
// completion and timeout paths settles the invocation; a handler finishing
// after the timeout path has replied must not send stats or another notice.
func (d *Dispatcher) runHandler(ctx context.Context, desc *plugins.Descriptor, item *queuedInvocation) {
	hctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	inv := &plugins.Invocation{
		Command:  desc.Name,
		Token:    item.token,
		Args:     item.args,
		SenderID: item.sender,
		ChatID:   item.chat,
		Message:  item.msg,
		ReplyFunc: func(rctx context.Context, text string) error {
			if rctx.Err() != nil {
				return rctx.Err()
			}
			return d.transport.Send(rctx, item.chat, text)
		},
	}

	var settled atomic.Bool
	done := make(chan error, 1)
	start := d.now()

	go func() {
		err := invokeSafely(hctx, desc.Handler, inv)
		if !settled.CompareAndSwap(false, true) {
			// The timeout path already settled this invocation.
			return
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		if !settled.CompareAndSwap(false, true) {
			// Lost the race: the handler settled just before the deadline.
			err = <-done
			break
		}

		// Only an expired deadline is a handler timeout. A canceled parent
		// context means the process is shutting down; the invocation is
		// abandoned without a notice or a crash mark.
		if !errors.Is(hctx.Err(), context.DeadlineExceeded) {
			d.metrics.Dropped.WithLabelValues("canceled").Inc()
			d.logger.Info("command canceled",
				"command", desc.Name,
				"sender", item.sender)
			return
		}

		err = fmt.Errorf("command %q timed out after %s", desc.Name, d.config.Timeout)
		d.metrics.Executed.WithLabelValues(desc.Name, "timeout").Inc()
		d.logger.Error("command timed out",
			"command", desc.Name,
			"sender", item.sender,
			"timeout", d.config.Timeout)
		d.notify(ctx, item.chat, err.Error())
		d.tracker.Record(desc.Name)
		return
	}

	if err != nil {
		d.metrics.Executed.WithLabelValues(desc.Name, "error").Inc()
		d.logger.Error("command failed",
			"command", desc.Name,
			"sender", item.sender,
			"error", err)
		d.notify(ctx, item.chat, fmt.Sprintf("Command failed: %v", err))
		d.tracker.Record(desc.Name)
		return
	}

	d.metrics.Executed.WithLabelValues(desc.Name, "ok").Inc()
	d.logger.Info("command executed",
		"command", desc.Name,
		"sender", item.sender,
		"duration", d.now().Sub(start))
	go d.syncer.RecordUsage(desc.Name, d.now())
}

// invokeSafely converts a handler panic into an error so one broken plugin
// cannot take down the drain loop.
func invokeSafely(ctx context.Context, handler plugins.Handler, inv *plugins.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, inv)
}

// notify sends a best-effort pipeline notice to the conversation.
func (d *Dispatcher) notify(ctx context.Context, chatID, text string) {
	if err := d.transport.Send(ctx, chatID, text); err != nil {
		d.logger.Warn("failed to send notice", "chat", chatID, "error", err)
	}
}
