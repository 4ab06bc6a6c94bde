package tdbcli

import (
	"github.com/calvinalkan/tdb2/pkg/tdb2"
)

// openDB opens the database file named by cfg, read-only or read-write.
func openDB(cfg Config, writable bool) (*tdb2.DB, error) {
	flags := tdb2.ReadOnly
	if writable {
		flags = tdb2.ReadWrite
	}
	if cfg.NoMMap {
		flags |= tdb2.NoMMap
	}

	return tdb2.Open(cfg.DBPathAbs, flags, 0o644, nil)
}
