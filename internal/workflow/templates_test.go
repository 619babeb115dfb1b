package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplates_Builtins(t *testing.T) {
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)
	assert.Equal(t, builtinOrder, reg.Names())

	hire, ok := reg.Get("hire_freelancer")
	require.True(t, ok)
	require.Len(t, hire.Steps, 11)
	assert.Equal(t, ActionLaunchApp, hire.Steps[0].Action)
	assert.Equal(t, 15*time.Second, hire.Steps[0].Timeout)
	assert.True(t, hire.Steps[0].Retryable, "steps are retryable unless they opt out")
	assert.True(t, hire.Steps[5].Parallel)
	assert.True(t, hire.Steps[7].RequiresConfirmation)
	assert.Equal(t, "24h", hire.Steps[8].Parameters["duration"])
}

func TestTemplates_Match(t *testing.T) {
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)

	cases := map[string]string{
		"Hire a Go developer on Upwork":         "hire_freelancer",
		"Schedule a MEETING with Sam":           "schedule_meeting",
		"research electric cars":                "research_and_report",
		"post this on social media":             "social_media_post",
		"do my shopping for the week":           "online_shopping",
		"plan travel to Rome":                   "travel_booking",
		"apply for a job at a bakery":           "job_application",
		"order food from the thai place please": "food_delivery",
	}
	for desc, want := range cases {
		tpl, ok := reg.Match(desc)
		require.True(t, ok, desc)
		assert.Equal(t, want, tpl.Name, desc)
	}

	_, ok := reg.Match("turn on wifi")
	assert.False(t, ok)
}

func TestTemplates_DecomposeFillsParameters(t *testing.T) {
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)

	wf := reg.Decompose("hire a freelancer", map[string]string{"job_title": "Go developer", "chat_id": "42"})
	require.NotEmpty(t, wf.ID)
	assert.Equal(t, "hire_freelancer", wf.Name)
	assert.Equal(t, "Go developer", wf.Steps[2].Parameters["text"])
	assert.Equal(t, "{budget_min}", wf.Steps[3].Parameters["budget_min"], "unknown placeholders stay")
	assert.Equal(t, "hire a freelancer", wf.Context[ContextDescription])
	assert.Equal(t, "42", wf.Context[ContextChatID])

	tpl, _ := reg.Get("hire_freelancer")
	assert.Equal(t, "{job_title}", tpl.Steps[2].Parameters["text"], "template itself is untouched")

	_, err = Validate(wf)
	assert.NoError(t, err)
}

func TestTemplates_DecomposeFallback(t *testing.T) {
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)

	wf := reg.Decompose("turn on wifi", nil)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, "default", wf.Steps[0].ID)
	assert.Equal(t, ActionSimpleTask, wf.Steps[0].Action)
	assert.Equal(t, "turn on wifi", wf.Steps[0].Parameters["description"])
	assert.True(t, wf.Steps[0].Retryable)
}

const customTemplate = `name: water_plants
keywords: [plants]
steps:
  - id: "1"
    name: Open reminders
    action: launch_app
    target_app: com.example.reminders
  - id: "2"
    name: Add reminder
    action: type
    retryable: false
    dependencies: ["1"]
`

func TestTemplates_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "water.yaml"), []byte(customTemplate), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [oops"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	reg, err := NewTemplateRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.LoadDir(dir))

	tpl, ok := reg.Match("water the plants")
	require.True(t, ok)
	assert.Equal(t, "water_plants", tpl.Name)
	assert.False(t, tpl.Steps[1].Retryable)
	assert.Len(t, reg.Names(), len(builtinOrder)+1)

	assert.NoError(t, reg.LoadDir(filepath.Join(dir, "missing")))
}

func TestTemplates_Watch(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "water.yaml"), []byte(customTemplate), 0644))
	assert.Eventually(t, func() bool {
		_, ok := reg.Get("water_plants")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
