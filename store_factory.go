package editd

import (
	"errors"
	"fmt"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pkt.systems/editd/internal/journal"
	jmem "pkt.systems/editd/internal/journal/memory"
	jsqlite "pkt.systems/editd/internal/journal/sqlite"
	"pkt.systems/editd/internal/storage"
	smem "pkt.systems/editd/internal/storage/memory"
	ssqlite "pkt.systems/editd/internal/storage/sqlite"
)

// openStores builds the journal store and dataset engine selected by
// cfg.Store. The returned closer releases whatever the factory opened; for
// sqlite both stores share one database handle.
func openStores(cfg Config) (journal.Store, storage.Engine, func() error, error) {
	dsn, err := parseStoreDSN(cfg.Store)
	if err != nil {
		return nil, nil, nil, err
	}
	switch dsn.scheme {
	case "mem":
		j := jmem.New()
		e := smem.New()
		closer := func() error {
			return errors.Join(j.Close(), e.Close())
		}
		return j, e, closer, nil
	case "sqlite":
		db, err := gorm.Open(gormsqlite.Open(dsn.path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store %q: %w", dsn.path, err)
		}
		closer := func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		j, err := jsqlite.New(db)
		if err != nil {
			_ = closer()
			return nil, nil, nil, err
		}
		e, err := ssqlite.New(db)
		if err != nil {
			_ = closer()
			return nil, nil, nil, err
		}
		return j, e, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("store scheme %q not supported", dsn.scheme)
	}
}
