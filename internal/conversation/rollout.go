package conversation

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FindRollout searches the agent home's sessions directory for the rollout
// file belonging to a conversation. Rollout filenames embed the conversation
// uuid, nested under date directories.
func FindRollout(home string, id uuid.UUID) (string, error) {
	root := filepath.Join(home, "sessions")
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRolloutNotFound, id)
	}

	needle := id.String()
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.Contains(name, needle) && strings.HasSuffix(name, ".jsonl") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrRolloutNotFound, id)
	}
	return found, nil
}
