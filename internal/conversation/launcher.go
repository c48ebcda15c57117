package conversation

import (
	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/logger"
)

// processLauncher spawns real agent subprocesses via the transport package.
type processLauncher struct {
	binaryPath string
	home       string
	workDir    string
	logger     *logger.Logger
}

// NewLauncher builds the production launcher from the agent config. The
// binary is located once, at construction time.
func NewLauncher(cfg config.AgentConfig, log *logger.Logger) (Launcher, error) {
	bin, err := transport.FindBinary(cfg.BinaryPath)
	if err != nil {
		return nil, err
	}
	return &processLauncher{
		binaryPath: bin,
		home:       cfg.Home,
		workDir:    cfg.WorkDir,
		logger:     log,
	}, nil
}

func (l *processLauncher) Launch(resumePath string) (Peer, error) {
	return transport.Spawn(transport.Options{
		BinaryPath: l.binaryPath,
		Home:       l.home,
		WorkDir:    l.workDir,
		ResumePath: resumePath,
	}, l.logger)
}
