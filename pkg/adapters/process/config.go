package process

import (
	"fmt"
	"os/exec"
)

// ProcessConfig describes how to start the kernel of one analysis.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
}

// Resolve reports the absolute path of the command, looked up in PATH
// when it has no directory component.
func (c ProcessConfig) Resolve() (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("kernel %s has no command", c.Name)
	}
	path, err := exec.LookPath(c.Command)
	if err != nil {
		return "", fmt.Errorf("kernel %s: %w", c.Name, err)
	}
	return path, nil
}
