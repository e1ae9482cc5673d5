// Package admin dispatches privileged slash commands.
package admin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
	"github.com/fredamaraljr/whatsapp-agent/internal/store"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

// StatsProvider surfaces aggregate identity statistics.
type StatsProvider interface {
	Stats() (*store.AggregateStats, error)
}

// OverrideStore persists prompt and config overrides.
type OverrideStore interface {
	GetPromptOverride(group types.Group) (string, error)
	SetPromptOverride(group types.Group, prompt string) error
	GetConfigOverride(key string) (string, bool, error)
	SetConfigOverride(key, value string) error
	ListConfigOverrides() (map[string]string, error)
}

// Dispatcher parses and executes slash commands from privileged senders.
type Dispatcher struct {
	stats     StatsProvider
	overrides OverrideStore
}

// NewDispatcher wires the command surface.
func NewDispatcher(stats StatsProvider, overrides OverrideStore) *Dispatcher {
	return &Dispatcher{stats: stats, overrides: overrides}
}

// IsCommand reports whether a message is a slash command.
func IsCommand(message string) bool {
	return strings.HasPrefix(strings.TrimSpace(message), "/")
}

// Execute runs a command and returns the reply text. Command faults are
// caught here and turned into an error reply; they never abort the turn.
func (d *Dispatcher) Execute(message string) string {
	name, rest := parse(message)
	logging.Get(logging.CategoryAdmin).Info("command: %s", name)

	reply, err := d.run(name, rest)
	if err != nil {
		logging.Get(logging.CategoryAdmin).Error("command %s failed: %v", name, err)
		return fmt.Sprintf("❌ Command failed: %v", err)
	}
	return reply
}

// parse splits "/name rest..." into a lowercase name and the remainder.
func parse(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	trimmed = strings.TrimPrefix(trimmed, "/")

	// The name ends at the first whitespace of any kind; /setprompt
	// carries its group on the same line and the prompt below.
	idx := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if idx < 0 {
		return strings.ToLower(trimmed), ""
	}
	return strings.ToLower(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:])
}

func (d *Dispatcher) run(name, rest string) (string, error) {
	switch name {
	case "stats":
		return d.statsReply()
	case "users":
		return "👥 User list:\n\nUse /stats for aggregate statistics.", nil
	case "setprompt":
		return d.setPrompt(rest)
	case "getprompt":
		return d.getPrompt(rest)
	case "config":
		return d.setConfig(rest)
	case "getconfig":
		return d.getConfig(rest)
	case "help":
		return helpText, nil
	default:
		// Unknown commands get the help text rather than an error.
		return helpText, nil
	}
}

func (d *Dispatcher) statsReply() (string, error) {
	stats, err := d.stats.Stats()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("📊 System statistics\n\n")
	fmt.Fprintf(&b, "👥 Total users: %d\n", stats.TotalUsers)
	fmt.Fprintf(&b, "💬 Total messages: %d\n", stats.TotalMessages)
	fmt.Fprintf(&b, "🕐 Interactions (24h): %d\n\n", stats.RecentInteractions)

	b.WriteString("Users by group:\n")
	groups := make([]string, 0, len(stats.UsersByGroup))
	for g := range stats.UsersByGroup {
		groups = append(groups, string(g))
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Fprintf(&b, "  • %s: %d\n", g, stats.UsersByGroup[types.Group(g)])
	}
	return b.String(), nil
}

// validPromptGroups are the groups whose persona may be overridden.
var validPromptGroups = map[string]types.Group{
	"privileged": types.GroupPrivileged,
	"groupa":     types.GroupA,
	"groupb":     types.GroupB,
	"groupc":     types.GroupC,
	"groupd":     types.GroupD,
}

func validGroupNames() string {
	names := make([]string, 0, len(validPromptGroups))
	for n := range validPromptGroups {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// setPrompt expects "GROUP\nprompt text..." in rest. A malformed
// sub-form (missing body) is treated as an unknown command.
func (d *Dispatcher) setPrompt(rest string) (string, error) {
	groupName, prompt, found := strings.Cut(rest, "\n")
	if !found || strings.TrimSpace(prompt) == "" {
		return helpText, nil
	}

	group, ok := validPromptGroups[strings.ToLower(strings.TrimSpace(groupName))]
	if !ok {
		return fmt.Sprintf("❌ Invalid group. Valid groups: %s", validGroupNames()), nil
	}

	if err := d.overrides.SetPromptOverride(group, strings.TrimSpace(prompt)); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Prompt updated for group '%s'", group), nil
}

func (d *Dispatcher) getPrompt(rest string) (string, error) {
	group, ok := validPromptGroups[strings.ToLower(strings.TrimSpace(rest))]
	if !ok {
		return fmt.Sprintf("❌ Invalid group. Valid groups: %s", validGroupNames()), nil
	}

	prompt, err := d.overrides.GetPromptOverride(group)
	if err != nil {
		return "", err
	}
	if prompt == "" {
		return fmt.Sprintf("ℹ️ No custom prompt set for group '%s'", group), nil
	}
	return fmt.Sprintf("📝 Prompt for group '%s':\n\n%s", group, prompt), nil
}

// setConfig expects "KEY=VALUE" in rest. A malformed sub-form is
// treated as an unknown command.
func (d *Dispatcher) setConfig(rest string) (string, error) {
	key, value, found := strings.Cut(rest, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !found || key == "" {
		return helpText, nil
	}

	if err := d.overrides.SetConfigOverride(key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Config '%s' set to '%s'", key, value), nil
}

func (d *Dispatcher) getConfig(rest string) (string, error) {
	key := strings.TrimSpace(rest)
	if key == "" {
		all, err := d.overrides.ListConfigOverrides()
		if err != nil {
			return "", err
		}
		if len(all) == 0 {
			return "ℹ️ No config overrides set", nil
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "⚙️ %s = %s\n", k, all[k])
		}
		return b.String(), nil
	}

	value, ok, err := d.overrides.GetConfigOverride(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("ℹ️ Config '%s' not found", key), nil
	}
	return fmt.Sprintf("⚙️ %s = %s", key, value), nil
}

const helpText = `🛠️ Admin commands

Statistics:
• /stats - System statistics
• /users - List users

Prompt management:
• /setprompt GROUP - Set a custom prompt for a group
  Example:
  /setprompt groupa
  You are an assistant specialized in data analysis...
• /getprompt GROUP - Show a group's custom prompt

Configuration:
• /config KEY=VALUE - Set a config override
• /getconfig KEY - Show a config override (no key lists all)

Other:
• /help - This message

Available groups:
privileged, groupa, groupb, groupc, groupd`
