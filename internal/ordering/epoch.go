package ordering

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EpochManager tracks the ordering engine's epoch counter. It is an explicit
// value threaded through constructors rather than process-wide state.
type EpochManager struct {
	mu     sync.RWMutex
	epoch  uint64
	store  MetadataStore
	logger *zap.Logger
}

// NewEpochManager loads the persisted epoch from store.
func NewEpochManager(ctx context.Context, store MetadataStore, logger *zap.Logger) (*EpochManager, error) {
	epoch, err := ReadUint64(ctx, store, keyEpoch)
	if err != nil {
		return nil, err
	}
	return &EpochManager{epoch: epoch, store: store, logger: logger}, nil
}

// Epoch returns the current epoch.
func (m *EpochManager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// StartNewEpoch advances and persists the epoch counter.
func (m *EpochManager) StartNewEpoch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	if err := WriteUint64(ctx, m.store, keyEpoch, m.epoch); err != nil {
		m.epoch--
		return err
	}
	m.logger.Info("started new epoch", zap.Uint64("epoch", m.epoch))
	return nil
}
