// Package plugins implements the plugin lifecycle: descriptor validation,
// registration, persistence sync and crash tracking.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// ErrNotFound is returned when an operation references an unknown plugin name.
var ErrNotFound = errors.New("plugin not found")

// ErrReloadInProgress is returned when a reload is requested while another
// reload is still running.
var ErrReloadInProgress = errors.New("reload already in progress")

// Handler executes a command invocation. It reports completion or failure;
// there is no result value beyond side effects.
type Handler func(ctx context.Context, inv *Invocation) error

// Invocation carries everything a handler needs for one command execution.
type Invocation struct {
	// Command is the resolved descriptor name.
	Command string

	// Token is the name or alias as typed by the sender.
	Token string

	// Args are the positional arguments after the command token.
	Args []string

	// SenderID identifies the user who issued the command.
	SenderID string

	// ChatID identifies the conversation the command arrived in.
	ChatID string

	// Message is the originating inbound message.
	Message *models.Message

	// ReplyFunc sends a text reply into the originating conversation.
	ReplyFunc func(ctx context.Context, text string) error
}

// Reply sends text back to the conversation the command came from.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	if inv.ReplyFunc == nil {
		return errors.New("invocation has no reply capability")
	}
	return inv.ReplyFunc(ctx, text)
}

// Descriptor is the loaded, validated representation of one command plugin.
//
// Enabled, CrashCount and LastCrashAt are runtime state mutated through
// Registry methods only; everything else is fixed at load time.
type Descriptor struct {
	Name        string
	Aliases     []string
	Description string
	Category    string
	Usage       string
	Example     string
	OwnerOnly   bool

	Enabled     bool
	CrashCount  int
	LastCrashAt *time.Time

	// SourceRef identifies the artifact this descriptor was loaded from,
	// in the form "<source>:<ref>" (e.g. "lua:/path/weather.lua").
	SourceRef string

	Handler Handler
}

// ValidationError reports why a candidate artifact was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plugin: %s %s", e.Field, e.Reason)
}

// Validate checks a descriptor's shape once at load time. It returns nil for
// a usable descriptor or a *ValidationError describing the first problem.
func Validate(d *Descriptor) error {
	if d == nil {
		return &ValidationError{Field: "descriptor", Reason: "is nil"}
	}
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return &ValidationError{Field: "name", Reason: "must not contain whitespace"}
	}
	if d.Handler == nil {
		return &ValidationError{Field: "handler", Reason: "is required"}
	}
	for _, alias := range d.Aliases {
		if strings.TrimSpace(alias) == "" {
			return &ValidationError{Field: "aliases", Reason: "must not contain empty entries"}
		}
		if strings.ContainsAny(alias, " \t\n") {
			return &ValidationError{Field: "aliases", Reason: fmt.Sprintf("alias %q must not contain whitespace", alias)}
		}
	}
	return nil
}

// DiagnosticLevel indicates severity of a load diagnostic.
type DiagnosticLevel string

const (
	DiagnosticInfo  DiagnosticLevel = "info"
	DiagnosticWarn  DiagnosticLevel = "warn"
	DiagnosticError DiagnosticLevel = "error"
)

// Diagnostic describes a per-artifact load outcome worth reporting. A bad
// artifact produces a diagnostic, never a failed batch.
type Diagnostic struct {
	Level     DiagnosticLevel
	Name      string
	SourceRef string
	Message   string
}
