package storage

import (
	"context"
	"time"

	"github.com/dgellow/contentdesk/internal/log"
)

// CleanupManager periodically purges expired and used OAuth states
type CleanupManager struct {
	states   StateStore
	interval time.Duration
	onPurged func(count int)
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a new cleanup manager. onPurged may be nil.
func NewCleanupManager(states StateStore, interval time.Duration, onPurged func(count int)) *CleanupManager {
	return &CleanupManager{
		states:   states,
		interval: interval,
		onPurged: onPurged,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting OAuth state cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop
func (cm *CleanupManager) Stop() {
	close(cm.stopChan)
	<-cm.doneChan
	log.Logf("OAuth state cleanup manager stopped")
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup(ctx context.Context) {
	count, err := cm.states.PurgeStates(ctx, time.Now())
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to purge OAuth states", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogDebugWithFields("cleanup", "Purged OAuth states", map[string]any{
			"count": count,
		})
		if cm.onPurged != nil {
			cm.onPurged(count)
		}
	}
}
