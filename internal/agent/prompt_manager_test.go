package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptManager_Defaults(t *testing.T) {
	pm := NewPromptManager("")

	planner, err := pm.System(RolePlanner)
	require.NoError(t, err)
	assert.Contains(t, planner, "### Current Subgoal ###")
	assert.NotContains(t, planner, "### Action ###")

	operator, err := pm.System(RoleOperator)
	require.NoError(t, err)
	assert.Contains(t, operator, "### Action ###")
	assert.NotContains(t, operator, "### Progress Status ###")

	reflector, err := pm.System(RoleReflector)
	require.NoError(t, err)
	assert.Contains(t, reflector, "### Progress Status ###")
}

func TestPromptManager_OverridesAndOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"identity.md": "Identity Content",
		"planner.md":  "Planner Content",
		"user.md":     "User Content",
		"extra.md":    "Extra Content",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	prompt, err := NewPromptManager(dir).System(RolePlanner)
	require.NoError(t, err)

	for _, part := range []string{"Identity Content", "Planner Content", "User Content", "Extra Content"} {
		assert.Contains(t, prompt, part)
	}
	assert.Less(t, strings.Index(prompt, "Identity Content"), strings.Index(prompt, "Planner Content"))
	assert.Less(t, strings.Index(prompt, "Planner Content"), strings.Index(prompt, "User Content"))
	assert.Less(t, strings.Index(prompt, "User Content"), strings.Index(prompt, "Extra Content"))
}

func TestPromptManager_MissingDirectoryFallsBack(t *testing.T) {
	prompt, err := NewPromptManager(filepath.Join(t.TempDir(), "nope")).System(RoleOperator)
	require.NoError(t, err)
	assert.Contains(t, prompt, "DroidPilot")
}

func TestPromptManager_UnknownRole(t *testing.T) {
	_, err := NewPromptManager("").System(PromptRole("critic"))
	assert.Error(t, err)
}
