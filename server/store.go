package main

import (
	"context"
	"fmt"

	"github.com/gammadia/warden/rm"
	"github.com/gammadia/warden/server/flags"
	"github.com/gammadia/warden/store/filestore"
	"github.com/gammadia/warden/store/pgstore"
	"github.com/spf13/viper"
)

// openStore returns the configured store and a function releasing it. The
// store is nil when persistence is disabled.
func openStore(ctx context.Context) (rm.Store, func(), error) {
	switch kind := viper.GetString(flags.Store); kind {
	case flags.StoreNone, "":
		return nil, func() {}, nil

	case flags.StoreFile:
		return filestore.New(viper.GetString(flags.StorePath)), func() {}, nil

	case flags.StorePostgres:
		store, err := pgstore.New(ctx, viper.GetString(flags.StoreDSN))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store '%s'", kind)
	}
}
