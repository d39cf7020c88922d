package challenge

import (
	"time"

	"go.uber.org/zap"
)

// manualHandler only logs the challenge; the operator is expected to
// publish it by hand. The long self-check window gives them time to.
type manualHandler struct{}

func newManualHandler() *manualHandler { return &manualHandler{} }

func (h *manualHandler) AddChallenge(domain, location, keyAuth string) {
	logger.Debug("please manually complete this http challenge",
		zap.String("domain", domain),
		zap.String("location", location),
		zap.String("content", keyAuth))
}

func (h *manualHandler) SelfCheckDuration() time.Duration { return 120 * time.Second }
func (h *manualHandler) SelfCheckInterval() time.Duration { return time.Second }

func (h *manualHandler) Close() {}
