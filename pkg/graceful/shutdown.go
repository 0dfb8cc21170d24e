package graceful

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Stopper is anything that can be asked to stop
type Stopper interface {
	Stop()
}

// StopperFunc adapts a function to the Stopper interface
type StopperFunc func()

func (f StopperFunc) Stop() { f() }

// ShutdownManager stops registered components in reverse registration
// order on SIGINT/SIGTERM, so dependents stop before their dependencies.
type ShutdownManager struct {
	stoppers []Stopper
	names    []string
	logger   *zap.Logger
}

func NewShutdownManager(logger *zap.Logger) *ShutdownManager {
	return &ShutdownManager{logger: logger}
}

func (sm *ShutdownManager) Register(name string, s Stopper) {
	sm.names = append(sm.names, name)
	sm.stoppers = append(sm.stoppers, s)
}

func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sm.logger.Info("Shutting down gracefully...")

	for i := len(sm.stoppers) - 1; i >= 0; i-- {
		sm.logger.Debug("Stopping component", zap.String("component", sm.names[i]))
		sm.stoppers[i].Stop()
	}

	sm.logger.Info("Shutdown complete")
}
