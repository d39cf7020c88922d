package challenge

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// filesHandler writes each challenge under the configured directory for
// its domain, assuming an external web server already serves that
// directory as the domain's document root. Close removes the files and
// best-effort removes the directories they were placed in.
type filesHandler struct {
	dirs           map[string]string
	challengePaths []string
}

func newFilesHandler(dirs map[string]string) *filesHandler {
	return &filesHandler{dirs: dirs}
}

func (h *filesHandler) AddChallenge(domain, location, keyAuth string) {
	challengePath := filepath.Join(h.dirs[domain], filepath.FromSlash(location))
	if err := os.MkdirAll(filepath.Dir(challengePath), 0755); err != nil {
		logger.Error("failed to create challenge directory",
			zap.String("path", challengePath), zap.Error(err))
		return
	}
	if err := os.WriteFile(challengePath, []byte(keyAuth), 0644); err != nil {
		logger.Error("failed to write challenge file",
			zap.String("path", challengePath), zap.Error(err))
		return
	}
	h.challengePaths = append(h.challengePaths, challengePath)
}

func (h *filesHandler) SelfCheckDuration() time.Duration { return 2 * time.Second }
func (h *filesHandler) SelfCheckInterval() time.Duration { return 250 * time.Millisecond }

func (h *filesHandler) Close() {
	challengeDirs := make(map[string]struct{})

	for _, challengePath := range h.challengePaths {
		challengeDirs[filepath.Dir(challengePath)] = struct{}{}
		if err := os.Remove(challengePath); err != nil {
			logger.Warn("failed to remove challenge file",
				zap.String("path", challengePath), zap.Error(err))
		}
	}

	for dir := range challengeDirs {
		if err := os.Remove(dir); err != nil {
			logger.Warn("failed to remove challenge directory",
				zap.String("path", dir), zap.Error(err))
		}
	}
}
