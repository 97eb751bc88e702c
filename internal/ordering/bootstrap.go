package ordering

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// keyViewFilePrefix marks the key-view files removed together with erased
// metadata: a replica that lost its metadata cannot reuse its old view keys.
const keyViewFilePrefix = "gen-sec"

// Bootstrap applies the startup flags persisted in the metadata store. When
// START_NEW_EPOCH is set the epoch advances; when ERASE_METADATA_ON_STARTUP
// is set the store is wiped and the key-view files under keyViewDir are
// removed before the engine reinitializes.
func Bootstrap(ctx context.Context, store MetadataStore, keyViewDir string, logger *zap.Logger) (*EpochManager, error) {
	startNewEpoch, err := ReadBool(ctx, store, KeyStartNewEpoch)
	if err != nil {
		return nil, err
	}
	eraseMetadata, err := ReadBool(ctx, store, KeyEraseMetadataOnStartup)
	if err != nil {
		return nil, err
	}
	logger.Info("metadata startup flags",
		zap.Bool("eraseMetadata", eraseMetadata),
		zap.Bool("startNewEpoch", startNewEpoch))

	epochs, err := NewEpochManager(ctx, store, logger)
	if err != nil {
		return nil, err
	}
	if startNewEpoch {
		if err := epochs.StartNewEpoch(ctx); err != nil {
			return nil, err
		}
	}
	if eraseMetadata {
		if err := store.EraseAll(ctx); err != nil {
			return nil, err
		}
		removeKeyViewFiles(keyViewDir, logger)
		// The erased store starts over; the advanced epoch survives in memory
		// and is re-persisted on the next change.
	}
	return epochs, nil
}

// removeKeyViewFiles deletes key-view files matching the known prefix.
func removeKeyViewFiles(dir string, logger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("unable to scan key-view directory; a replica without its key view cannot restart",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyViewFilePrefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Error("unable to remove key-view file", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Info("removed key-view file", zap.String("path", path))
	}
}
