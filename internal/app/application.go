// Package app wires the integration coordinator to its stores and gateway.
package app

import (
	"github.com/apexmfg/qmib-bridge/internal/app/services/integration"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
	"github.com/apexmfg/qmib-bridge/internal/app/storage/memory"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Batches   storage.BatchStore
	EventAcks storage.EventAckStore
}

// Application ties the integration core together.
type Application struct {
	log *logger.Logger

	Integration *integration.Coordinator
}

// New builds a fully initialised application with the provided stores and
// gateway client.
func New(gw integration.Gateway, stores Stores, opts integration.Options, log *logger.Logger) *Application {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Batches == nil || stores.EventAcks == nil {
		mem := memory.New()
		if stores.Batches == nil {
			stores.Batches = mem
		}
		if stores.EventAcks == nil {
			stores.EventAcks = mem
		}
	}

	coord := integration.New(gw, stores.Batches, stores.EventAcks, opts, log.WithField("service", "integration"))
	return &Application{
		log:         log,
		Integration: coord,
	}
}
