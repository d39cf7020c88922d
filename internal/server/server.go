// Package server exposes the control surface for the certificate
// lifecycle manager: status inspection, manual renewal trigger, and
// upload/removal of the managed files. Authentication is the host
// dispatcher's concern; these handlers assume the caller is trusted.
package server

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/lifecycle"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("server: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "server"))
}

// ApplyCommonMiddleware installs recovery and request-ID middleware on
// an Echo instance, the same baseline every listener gets.
func ApplyCommonMiddleware(e *echo.Echo) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
}

// Lifecycle is the slice of the manager the control surface drives.
type Lifecycle interface {
	Status() lifecycle.Status
	AnyPending() bool
	Init()
}

// RegisterRoutes mounts the /acme control routes on the given group.
func RegisterRoutes(g *echo.Group, manager Lifecycle, settings config.Settings) {
	h := &handlers{manager: manager, settings: settings}

	g.GET("/status", h.handleStatus)
	g.POST("/update", h.handleUpdate)

	for route, resolve := range map[string]func() string{
		"/account-key":      func() string { return config.GetAccountKeyPath(h.settings) },
		"/cert":             func() string { return config.GetCertificatePaths(h.settings).Cert },
		"/cert-key":         func() string { return config.GetCertificatePaths(h.settings).Key },
		"/cert-authorities": func() string { return config.GetCertificatePaths(h.settings).TrustedAuthorities },
	} {
		g.PUT(route, h.handlePutFile(resolve))
		g.DELETE(route, h.handleDeleteFile(resolve))
	}
}

type handlers struct {
	manager  Lifecycle
	settings config.Settings
}

func (h *handlers) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Status())
}

// handleUpdate restarts the lifecycle evaluation unless a cycle stage
// is still pending, in which case the operator must wait it out.
func (h *handlers) handleUpdate(c echo.Context) error {
	if h.manager.AnyPending() {
		return c.NoContent(http.StatusConflict)
	}
	if err := c.NoContent(http.StatusOK); err != nil {
		return err
	}
	h.manager.Init()
	return nil
}

// handlePutFile writes the request body to the managed file, refusing
// to overwrite one that already exists.
func (h *handlers) handlePutFile(resolve func() string) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := resolve()
		if _, err := os.Stat(path); err == nil {
			return c.NoContent(http.StatusConflict)
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		if err := os.WriteFile(path, body, 0600); err != nil {
			logger.Error("failed to write uploaded file", zap.String("path", path), zap.Error(err))
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusOK)
	}
}

func (h *handlers) handleDeleteFile(resolve func() string) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := resolve()
		if err := os.Remove(path); err != nil {
			logger.Error("failed to remove managed file", zap.String("path", path), zap.Error(err))
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusOK)
	}
}
