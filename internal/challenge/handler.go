// Package challenge publishes HTTP-01 challenge responses. Three
// strategies are available: an in-process HTTP listener on port 80, a
// filesystem writer for an externally managed web server, and a manual
// mode that leaves publication to the operator.
package challenge

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("challenge: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "challenge"))
}

// Handler publishes challenge responses for one ACME cycle and releases
// everything it acquired when the cycle ends.
type Handler interface {
	// AddChallenge publishes the key authorization for one challenge.
	// location is the URL path, starting with /.well-known/acme-challenge/.
	AddChallenge(domain, location, keyAuth string)
	// SelfCheckDuration is how long the self-check should keep polling.
	SelfCheckDuration() time.Duration
	// SelfCheckInterval is the pause between self-check attempts.
	SelfCheckInterval() time.Duration
	// Close releases all resources acquired since construction.
	Close()
}

// Params selects and parameterizes a handler. DomainDirs maps each
// ACE-encoded domain to the directory the files handler writes under.
type Params struct {
	Type       string
	DomainDirs map[string]string
}

// New constructs the handler named by params.Type. Handlers are created
// lazily, when a cycle sees its first challenge, because the server
// variant binds port 80 on construction.
func New(params Params) (Handler, error) {
	switch params.Type {
	case "server":
		return newServerHandler()
	case "files":
		return newFilesHandler(params.DomainDirs), nil
	case "manual":
		return newManualHandler(), nil
	default:
		return nil, fmt.Errorf("challenge: invalid handler type %q", params.Type)
	}
}
