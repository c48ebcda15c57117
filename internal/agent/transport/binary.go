package transport

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// agentBinaryName is the executable the transport spawns in proto mode.
const agentBinaryName = "codex"

// relativeCandidates are checked against the current working directory after
// the executable-sibling location.
var relativeCandidates = []string{
	agentBinaryName,
	filepath.Join("bin", agentBinaryName),
	filepath.Join("..", agentBinaryName),
}

// FindBinary locates the agent binary. Search order: explicit override,
// sibling of the current executable, relative candidates, PATH.
func FindBinary(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("agent binary not found at %s: %w", override, err)
		}
		return override, nil
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), agentBinaryName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}

	for _, candidate := range relativeCandidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				continue
			}
			return abs, nil
		}
	}

	if path, err := exec.LookPath(agentBinaryName); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("agent binary %q not found next to the executable, in relative paths, or on PATH", agentBinaryName)
}
