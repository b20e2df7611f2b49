package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/courier/internal/store"
)

// BuiltinDeps carries the runtime surfaces the built-in commands act on.
// The pointers may be assigned after RegisterBuiltins returns, as long as
// they are set before the first message is dispatched.
type BuiltinDeps struct {
	Registry *Registry
	Syncer   *Syncer
	Tracker  *CrashTracker
	Store    store.Store
	Prefix   string
}

// RegisterBuiltins installs the built-in commands on the given source.
func RegisterBuiltins(src *StaticSource, deps *BuiltinDeps) {
	src.MustRegister(&Descriptor{
		Name:        "ping",
		Description: "Check that the bot is alive",
		Category:    "system",
		Handler: func(ctx context.Context, inv *Invocation) error {
			return inv.Reply(ctx, "pong")
		},
	})

	src.MustRegister(&Descriptor{
		Name:        "menu",
		Aliases:     []string{"help"},
		Description: "List available commands",
		Category:    "system",
		Usage:       "menu [command]",
		Handler:     menuHandler(deps),
	})

	src.MustRegister(&Descriptor{
		Name:        "plugin",
		Aliases:     []string{"plugins"},
		Description: "Manage plugins",
		Category:    "admin",
		Usage:       "plugin <list|enable|disable|reload|stats> [name]",
		OwnerOnly:   true,
		Handler:     pluginHandler(deps),
	})
}

func menuHandler(deps *BuiltinDeps) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		prefix := deps.Prefix

		if len(inv.Args) > 0 {
			name := strings.TrimPrefix(inv.Args[0], prefix)
			desc := deps.Registry.Resolve(name)
			if desc == nil {
				return inv.Reply(ctx, fmt.Sprintf("Unknown command: %s", name))
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "*%s%s*\n", prefix, desc.Name)
			if desc.Description != "" {
				sb.WriteString(desc.Description + "\n")
			}
			if desc.Usage != "" {
				fmt.Fprintf(&sb, "Usage: %s%s\n", prefix, desc.Usage)
			}
			if desc.Example != "" {
				fmt.Fprintf(&sb, "Example: %s\n", desc.Example)
			}
			if len(desc.Aliases) > 0 {
				aliases := make([]string, len(desc.Aliases))
				for i, a := range desc.Aliases {
					aliases[i] = prefix + a
				}
				fmt.Fprintf(&sb, "Aliases: %s\n", strings.Join(aliases, ", "))
			}
			if desc.OwnerOnly {
				sb.WriteString("Owner only\n")
			}
			return inv.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
		}

		byCategory := make(map[string][]*Descriptor)
		for _, desc := range deps.Registry.List() {
			if !desc.Enabled {
				continue
			}
			cat := desc.Category
			if cat == "" {
				cat = "other"
			}
			byCategory[cat] = append(byCategory[cat], desc)
		}

		categories := make([]string, 0, len(byCategory))
		for cat := range byCategory {
			categories = append(categories, cat)
		}
		sort.Strings(categories)

		var sb strings.Builder
		sb.WriteString("*Available commands*\n")
		for _, cat := range categories {
			fmt.Fprintf(&sb, "\n*%s*\n", cat)
			for _, desc := range byCategory[cat] {
				line := prefix + desc.Name
				if desc.Description != "" {
					line += " - " + desc.Description
				}
				sb.WriteString(line + "\n")
			}
		}
		fmt.Fprintf(&sb, "\nUse %smenu <command> for details.", prefix)
		return inv.Reply(ctx, sb.String())
	}
}

func pluginHandler(deps *BuiltinDeps) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		if len(inv.Args) == 0 {
			return inv.Reply(ctx, "Usage: plugin <list|enable|disable|reload|stats> [name]")
		}

		sub := strings.ToLower(inv.Args[0])
		var name string
		if len(inv.Args) > 1 {
			name = inv.Args[1]
		}

		switch sub {
		case "list":
			return pluginList(ctx, deps, inv)
		case "enable":
			if name == "" {
				return inv.Reply(ctx, "Usage: plugin enable <name>")
			}
			if err := deps.Tracker.ResetAndEnable(ctx, name); err != nil {
				if errors.Is(err, ErrNotFound) {
					return inv.Reply(ctx, fmt.Sprintf("No such plugin: %s", name))
				}
				return err
			}
			return inv.Reply(ctx, fmt.Sprintf("Enabled %s.", name))
		case "disable":
			if name == "" {
				return inv.Reply(ctx, "Usage: plugin disable <name>")
			}
			if !deps.Registry.SetEnabled(name, false) {
				return inv.Reply(ctx, fmt.Sprintf("No such plugin: %s", name))
			}
			deps.Syncer.PersistEnabled(name, false)
			return inv.Reply(ctx, fmt.Sprintf("Disabled %s.", name))
		case "reload":
			return pluginReload(ctx, deps, inv, name)
		case "stats":
			return pluginStats(ctx, deps, inv, name)
		default:
			return inv.Reply(ctx, fmt.Sprintf("Unknown subcommand: %s", sub))
		}
	}
}

func pluginList(ctx context.Context, deps *BuiltinDeps, inv *Invocation) error {
	descs := deps.Registry.List()
	if len(descs) == 0 {
		return inv.Reply(ctx, "No plugins loaded.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*Plugins* (%d)\n", len(descs))
	for _, desc := range descs {
		state := "enabled"
		if !desc.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "%s [%s]", desc.Name, state)
		if desc.CrashCount > 0 {
			fmt.Fprintf(&sb, " crashes=%d", desc.CrashCount)
		}
		sb.WriteString("\n")
	}
	return inv.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func pluginReload(ctx context.Context, deps *BuiltinDeps, inv *Invocation, name string) error {
	if name != "" {
		if err := deps.Registry.ReloadOne(ctx, name); err != nil {
			if errors.Is(err, ErrNotFound) {
				return inv.Reply(ctx, fmt.Sprintf("No such plugin: %s", name))
			}
			return inv.Reply(ctx, fmt.Sprintf("Reload failed: %v", err))
		}
		if _, err := deps.Syncer.Sync(ctx); err != nil {
			return inv.Reply(ctx, fmt.Sprintf("Reloaded %s, but sync failed: %v", name, err))
		}
		return inv.Reply(ctx, fmt.Sprintf("Reloaded %s.", name))
	}

	diags, err := deps.Registry.ReloadAll(ctx)
	if err != nil {
		if errors.Is(err, ErrReloadInProgress) {
			return inv.Reply(ctx, "A reload is already running. Try again shortly.")
		}
		return inv.Reply(ctx, fmt.Sprintf("Reload failed: %v", err))
	}
	if _, err := deps.Syncer.Sync(ctx); err != nil {
		return inv.Reply(ctx, fmt.Sprintf("Reloaded, but sync failed: %v", err))
	}

	problems := 0
	for _, d := range diags {
		if d.Level == DiagnosticError {
			problems++
		}
	}
	msg := fmt.Sprintf("Reloaded %d plugins.", deps.Registry.Count())
	if problems > 0 {
		msg += fmt.Sprintf(" %d artifacts were skipped.", problems)
	}
	return inv.Reply(ctx, msg)
}

func pluginStats(ctx context.Context, deps *BuiltinDeps, inv *Invocation, name string) error {
	if name != "" {
		rec, err := deps.Store.FindOne(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return inv.Reply(ctx, fmt.Sprintf("No such plugin: %s", name))
			}
			return err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "*%s*\n", rec.Name)
		fmt.Fprintf(&sb, "Uses: %d\n", rec.UsageCount)
		if rec.LastUsedAt != nil {
			fmt.Fprintf(&sb, "Last used: %s\n", rec.LastUsedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&sb, "Crashes: %d", rec.CrashCount)
		if rec.LastCrashAt != nil {
			fmt.Fprintf(&sb, "\nLast crash: %s", rec.LastCrashAt.Format(time.RFC3339))
		}
		return inv.Reply(ctx, sb.String())
	}

	recs, err := deps.Store.Find(ctx, store.Filter{})
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UsageCount != recs[j].UsageCount {
			return recs[i].UsageCount > recs[j].UsageCount
		}
		return recs[i].Name < recs[j].Name
	})

	var sb strings.Builder
	sb.WriteString("*Usage*\n")
	shown := 0
	for _, rec := range recs {
		if rec.UsageCount == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s: %d\n", rec.Name, rec.UsageCount)
		shown++
		if shown == 10 {
			break
		}
	}
	if shown == 0 {
		return inv.Reply(ctx, "No usage recorded yet.")
	}
	return inv.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}
