package metadatastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore/boltstore"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore/pgstore"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
	"github.com/gsmlg-opt/repub-sub000/internal/retry"
)

// Open dispatches on the database URL's scheme and returns a ready Store,
// retrying the initial connection per retry.DefaultStoreConnectConfig's
// fixed 1s cadence (30 retries, 31 attempts in all). No further dynamic dispatch happens once a
// backend is selected (SPEC_FULL §9 re-architecture note: narrow
// capability set, tagged variants).
func Open(ctx context.Context, databaseURL string, logger mlog.Logger) (Store, error) {
	scheme := schemeOf(databaseURL)
	if scheme != "postgres" && scheme != "postgresql" && scheme != "bolt" && scheme != "file" && scheme != "" {
		return nil, fmt.Errorf("unsupported database url scheme %q", scheme)
	}

	retryCfg := retry.DefaultStoreConnectConfig()
	var store Store

	err := retry.Do(retryCfg, ctx.Done(), func(attempt int) error {
		var err error
		switch scheme {
		case "postgres", "postgresql":
			store, err = pgstore.Open(ctx, databaseURL)
		default:
			store, err = boltstore.Open(boltPathFrom(databaseURL))
		}
		if err != nil {
			logger.Warnf("metadata store connect attempt %d/%d failed: %v", attempt, retryCfg.MaxRetries+1, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("metadata store unreachable after %d attempts: %w", retryCfg.MaxRetries+1, err)
	}

	if err := store.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func schemeOf(databaseURL string) string {
	idx := strings.Index(databaseURL, "://")
	if idx == -1 {
		return ""
	}
	return databaseURL[:idx]
}

func boltPathFrom(databaseURL string) string {
	idx := strings.Index(databaseURL, "://")
	if idx == -1 {
		return databaseURL
	}
	return databaseURL[idx+3:]
}
