package admin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredamaraljr/whatsapp-agent/internal/store"
	"github.com/fredamaraljr/whatsapp-agent/internal/types"
)

type fakeStats struct {
	stats *store.AggregateStats
	err   error
}

func (f *fakeStats) Stats() (*store.AggregateStats, error) { return f.stats, f.err }

type fakeOverrides struct {
	prompts map[types.Group]string
	config  map[string]string
	err     error
}

func newFakeOverrides() *fakeOverrides {
	return &fakeOverrides{
		prompts: make(map[types.Group]string),
		config:  make(map[string]string),
	}
}

func (f *fakeOverrides) GetPromptOverride(g types.Group) (string, error) {
	return f.prompts[g], f.err
}

func (f *fakeOverrides) SetPromptOverride(g types.Group, p string) error {
	if f.err != nil {
		return f.err
	}
	f.prompts[g] = p
	return nil
}

func (f *fakeOverrides) GetConfigOverride(k string) (string, bool, error) {
	v, ok := f.config[k]
	return v, ok, f.err
}

func (f *fakeOverrides) SetConfigOverride(k, v string) error {
	if f.err != nil {
		return f.err
	}
	f.config[k] = v
	return nil
}

func (f *fakeOverrides) ListConfigOverrides() (map[string]string, error) {
	return f.config, f.err
}

func newTestDispatcher() (*Dispatcher, *fakeStats, *fakeOverrides) {
	stats := &fakeStats{stats: &store.AggregateStats{
		TotalUsers:    5,
		TotalMessages: 42,
		UsersByGroup: map[types.Group]int{
			types.GroupA:          2,
			types.GroupPrivileged: 1,
		},
		RecentInteractions: 7,
	}}
	overrides := newFakeOverrides()
	return NewDispatcher(stats, overrides), stats, overrides
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand("/stats"))
	assert.True(t, IsCommand("  /help  "))
	assert.False(t, IsCommand("hello"))
	assert.False(t, IsCommand("what is /stats"))
}

func TestStatsCommand(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Execute("/stats")
	assert.Contains(t, out, "Total users: 5")
	assert.Contains(t, out, "Total messages: 42")
	assert.Contains(t, out, "groupA: 2")
	assert.Contains(t, out, "Interactions (24h): 7")
}

func TestStatsFaultCaught(t *testing.T) {
	d, stats, _ := newTestDispatcher()
	stats.err = fmt.Errorf("db locked")

	out := d.Execute("/stats")
	assert.Contains(t, out, "Command failed")
	assert.Contains(t, out, "db locked")
}

func TestSetAndGetPrompt(t *testing.T) {
	d, _, overrides := newTestDispatcher()

	out := d.Execute("/setprompt groupa\nYou are terse.")
	assert.Contains(t, out, "✅")
	assert.Equal(t, "You are terse.", overrides.prompts[types.GroupA])

	out = d.Execute("/getprompt groupa")
	assert.Contains(t, out, "You are terse.")
}

func TestSetPromptInvalidGroup(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Execute("/setprompt nosuchgroup\nwhatever")
	assert.Contains(t, out, "Invalid group")
}

func TestSetPromptMissingBodyFallsBackToHelp(t *testing.T) {
	d, _, overrides := newTestDispatcher()

	out := d.Execute("/setprompt groupa")
	assert.Equal(t, d.Execute("/help"), out)
	assert.Empty(t, overrides.prompts)
}

func TestGetPromptUnset(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Execute("/getprompt groupb")
	assert.Contains(t, out, "No custom prompt")
}

func TestConfigRoundTrip(t *testing.T) {
	d, _, overrides := newTestDispatcher()

	out := d.Execute("/config summary_trigger=30")
	assert.Contains(t, out, "✅")
	assert.Equal(t, "30", overrides.config["summary_trigger"])

	out = d.Execute("/getconfig summary_trigger")
	assert.Contains(t, out, "summary_trigger = 30")
}

func TestConfigBadSyntaxFallsBackToHelp(t *testing.T) {
	d, _, overrides := newTestDispatcher()

	out := d.Execute("/config notanassignment")
	assert.Equal(t, d.Execute("/help"), out)
	assert.Empty(t, overrides.config)
}

func TestGetConfigMissing(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Execute("/getconfig nope")
	assert.Contains(t, out, "not found")
}

func TestGetConfigListsAll(t *testing.T) {
	d, _, overrides := newTestDispatcher()
	overrides.config["a"] = "1"
	overrides.config["b"] = "2"

	out := d.Execute("/getconfig")
	assert.Contains(t, out, "a = 1")
	assert.Contains(t, out, "b = 2")
}

func TestHelpAndUnknown(t *testing.T) {
	d, _, _ := newTestDispatcher()

	help := d.Execute("/help")
	require.Contains(t, help, "/stats")

	unknown := d.Execute("/frobnicate")
	assert.Equal(t, help, unknown)
}

func TestCommandCaseInsensitive(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Execute("/STATS")
	assert.Contains(t, out, "Total users")
}
