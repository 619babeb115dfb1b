package agent

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed prompts/*.md
var defaultPrompts embed.FS

var roleFiles = map[PromptRole]string{
	RolePlanner:   "planner.md",
	RoleOperator:  "operator.md",
	RoleReflector: "reflector.md",
}

// PromptManager assembles system prompts from markdown files. Files in
// Directory override the built-in ones with the same name; extra files are
// appended to every role.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// System returns the system prompt for role.
func (pm *PromptManager) System(role PromptRole) (string, error) {
	own, ok := roleFiles[role]
	if !ok {
		return "", fmt.Errorf("unknown prompt role %q", role)
	}

	files, err := pm.load()
	if err != nil {
		return "", err
	}

	var names []string
	for name := range files {
		if isRoleFile(name) && name != own {
			continue
		}
		names = append(names, name)
	}

	// identity first, then the role, then user notes, then anything else
	order := map[string]int{
		"identity.md": 1,
		"device.md":   2,
		own:           3,
		"user.md":     4,
	}
	sort.Slice(names, func(i, j int) bool {
		oi, okI := order[names[i]]
		oj, okJ := order[names[j]]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return names[i] < names[j]
	})

	contents := make([]string, 0, len(names))
	for _, name := range names {
		contents = append(contents, files[name])
	}
	if _, ok := files[own]; !ok {
		return "", fmt.Errorf("no %s prompt found", own)
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) load() (map[string]string, error) {
	files := make(map[string]string)

	builtin, err := fs.Glob(defaultPrompts, "prompts/*.md")
	if err != nil {
		return nil, err
	}
	for _, path := range builtin {
		data, err := defaultPrompts.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files[filepath.Base(path)] = string(data)
	}

	if pm == nil || pm.Directory == "" {
		return files, nil
	}
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, fmt.Errorf("failed to read prompts directory: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Prompts] Warning: failed to read prompt file %s: %v", path, err)
			continue
		}
		files[e.Name()] = string(data)
	}
	return files, nil
}

func isRoleFile(name string) bool {
	for _, f := range roleFiles {
		if f == name {
			return true
		}
	}
	return false
}
