package node

import (
	"context"
	"time"
)

type ShutdownHandler struct {
	Component string
	StopFunc  func(context.Context) error
}

// MonitorShutdown runs every handler once triggerCh closes, and closes the
// returned channel when they have all returned.
func MonitorShutdown(triggerCh <-chan struct{}, handlers ...ShutdownHandler) <-chan struct{} {
	finishCh := make(chan struct{})
	go func() {
		<-triggerCh
		log.Warnw("shutting down", "components", len(handlers))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, h := range handlers {
			if err := h.StopFunc(ctx); err != nil {
				log.Errorw("stopping component failed", "component", h.Component, "error", err)
				continue
			}
			log.Infow("component stopped", "component", h.Component)
		}
		log.Warn("shutdown complete")
		close(finishCh)
	}()
	return finishCh
}
