package agent

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// CLISpec describes how to invoke one CLI coding agent and how to correlate
// its subprocess to the log file it writes.
type CLISpec struct {
	Name     string   `yaml:"name"`
	Binary   string   `yaml:"binary"`
	BaseArgs []string `yaml:"base_args"`

	PromptFlag string `yaml:"prompt_flag"`
	ModelFlag  string `yaml:"model_flag"`
	ResumeFlag string `yaml:"resume_flag"`

	// SessionIDPattern matches the session identifier announcement on the
	// agent's stderr. The first capture-free match of a line is taken.
	SessionIDPattern string `yaml:"session_id_pattern"`

	// LogsRoot is the directory tree scanned for the agent's log files.
	LogsRoot string `yaml:"logs_root"`
}

// Catalog is the set of known CLI agents, keyed by name.
type Catalog struct {
	Agents []CLISpec `yaml:"agents"`
}

const uuidPattern = `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`

// DefaultSpec returns the built-in claude CLI spec with the configured binary
// and logs root.
func DefaultSpec(binary, logsRoot string) CLISpec {
	return CLISpec{
		Name:             "claude",
		Binary:           binary,
		BaseArgs:         []string{"--dangerously-skip-permissions"},
		PromptFlag:       "-p",
		ModelFlag:        "--model",
		ResumeFlag:       "--resume",
		SessionIDPattern: uuidPattern,
		LogsRoot:         logsRoot,
	}
}

// LoadSpec resolves the CLI spec: the built-in default, overridden by the
// first catalog entry matching its name when a catalog file is configured.
func LoadSpec(catalogPath, binary, logsRoot string) (CLISpec, error) {
	spec := DefaultSpec(binary, logsRoot)
	if catalogPath == "" {
		return spec, nil
	}

	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return CLISpec{}, fmt.Errorf("failed to read agent catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return CLISpec{}, fmt.Errorf("failed to parse agent catalog: %w", err)
	}

	for _, entry := range catalog.Agents {
		if entry.Name != spec.Name {
			continue
		}
		if entry.Binary != "" {
			spec.Binary = entry.Binary
		}
		if entry.BaseArgs != nil {
			spec.BaseArgs = entry.BaseArgs
		}
		if entry.PromptFlag != "" {
			spec.PromptFlag = entry.PromptFlag
		}
		if entry.ModelFlag != "" {
			spec.ModelFlag = entry.ModelFlag
		}
		if entry.ResumeFlag != "" {
			spec.ResumeFlag = entry.ResumeFlag
		}
		if entry.SessionIDPattern != "" {
			spec.SessionIDPattern = entry.SessionIDPattern
		}
		if entry.LogsRoot != "" {
			spec.LogsRoot = entry.LogsRoot
		}
		break
	}

	if _, err := regexp.Compile(spec.SessionIDPattern); err != nil {
		return CLISpec{}, fmt.Errorf("invalid session_id_pattern: %w", err)
	}
	return spec, nil
}
