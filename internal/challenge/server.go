package challenge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// serverHandler answers challenges from an in-process HTTP listener on
// 0.0.0.0:80. The listener is local, so verification is near instant
// and the self-check window is short.
type serverHandler struct {
	e    *echo.Echo
	addr string

	mu         sync.Mutex
	challenges []serverChallenge
}

type serverChallenge struct {
	location string
	content  string
}

func newServerHandler() (*serverHandler, error) {
	h := &serverHandler{
		e:    echo.New(),
		addr: ":80",
	}
	h.e.HideBanner = true
	h.e.HidePort = true
	h.e.Any("/*", h.serve)

	go func() {
		if err := h.e.Start(h.addr); err != nil && err != http.ErrServerClosed {
			logger.Error("challenge listener failed", zap.String("addr", h.addr), zap.Error(err))
		}
	}()
	return h, nil
}

func (h *serverHandler) AddChallenge(domain, location, keyAuth string) {
	h.mu.Lock()
	h.challenges = append(h.challenges, serverChallenge{location: location, content: keyAuth})
	h.mu.Unlock()
}

func (h *serverHandler) SelfCheckDuration() time.Duration { return time.Second }
func (h *serverHandler) SelfCheckInterval() time.Duration { return 250 * time.Millisecond }

func (h *serverHandler) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.e.Shutdown(ctx); err != nil {
		logger.Warn("failed to shut down challenge listener", zap.Error(err))
	}
}

// serve matches the request path against the published challenges. A
// miss gets a diagnostic body listing every expected URL.
func (h *serverHandler) serve(c echo.Context) error {
	path := c.Request().URL.Path

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, challenge := range h.challenges {
		if challenge.location == path {
			return c.Blob(http.StatusOK, "application/octet-stream", []byte(challenge.content))
		}
	}

	var expected strings.Builder
	for _, challenge := range h.challenges {
		expected.WriteString(challenge.location)
		expected.WriteByte('\n')
	}
	return c.String(http.StatusNotFound,
		"Resource not found. Url is "+path+" but expected any of\n"+expected.String())
}
