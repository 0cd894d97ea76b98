// Package bootstrap seeds a fresh agent workspace with its canonical
// prompt files, following the layout in the gateway's external interface
// contract. Seeding never overwrites a file that already exists.
package bootstrap

import (
	"bytes"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.md templates/memory/*.md
var templateFS embed.FS

// Workspace-relative filenames, matching the layout documented for the
// config external interface.
const (
	AgentsFile   = "AGENTS.md"
	SoulFile     = "SOUL.md"
	UserFile     = "USER.md"
	ToolsFile    = "TOOLS.md"
	IdentityFile = "IDENTITY.md"
	MemoryFile   = "memory/MEMORY.md"
	HistoryFile  = "memory/HISTORY.md"
	SkillsDir    = "skills"
)

// templateFiles lists the parameterized templates to seed, in order.
var templateFiles = []string{AgentsFile, SoulFile, UserFile, ToolsFile, IdentityFile, MemoryFile}

// templateData is the parameter set substituted into each template.
type templateData struct {
	AgentName string
}

// EnsureWorkspace materializes the full workspace layout for agentName
// under workspaceDir: the parameterized template files, an empty
// HISTORY.md, and the skills/ directory. Existing files are never
// overwritten; this makes the operation idempotent. It returns the
// relative paths of any files actually created.
func EnsureWorkspace(workspaceDir, agentName string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(workspaceDir, "memory"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, SkillsDir), 0o755); err != nil {
		return nil, err
	}

	var created []string
	data := templateData{AgentName: agentName}

	for _, rel := range templateFiles {
		ok, err := seedTemplate(workspaceDir, rel, data)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", rel, "error", err)
			continue
		}
		if ok {
			created = append(created, rel)
		}
	}

	ok, err := seedEmpty(workspaceDir, HistoryFile)
	if err != nil {
		slog.Warn("bootstrap: failed to seed HISTORY.md", "error", err)
	} else if ok {
		created = append(created, HistoryFile)
	}

	return created, nil
}

// seedTemplate writes the rendered template at rel if it does not
// already exist. Returns false, nil if the file was already present.
func seedTemplate(workspaceDir, rel string, data templateData) (bool, error) {
	dst := filepath.Join(workspaceDir, rel)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	raw, err := templateFS.ReadFile(filepath.Join("templates", rel))
	if err != nil {
		os.Remove(dst)
		return false, err
	}

	tmpl, err := template.New(rel).Parse(string(raw))
	if err != nil {
		os.Remove(dst)
		return false, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		os.Remove(dst)
		return false, err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// seedEmpty creates an empty file at rel if it does not already exist.
func seedEmpty(workspaceDir, rel string) (bool, error) {
	dst := filepath.Join(workspaceDir, rel)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}
