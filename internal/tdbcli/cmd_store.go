package tdbcli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/tdb2/pkg/tdb2"

	flag "github.com/spf13/pflag"
)

var errUnknownMode = errors.New("unknown store mode")

// StoreCmd returns the store command.
func StoreCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	fs.String("mode", "replace", "Store mode: insert|modify|replace")

	return &Command{
		Flags: fs,
		Usage: "store [flags] <key> <value>",
		Short: "Store a key/value pair",
		Long:  "Store a key/value pair. --mode=insert fails if the key exists, --mode=modify fails if it does not, --mode=replace (default) always succeeds.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			mode, _ := fs.GetString("mode")
			return execStore(o, cfg, mode, args)
		},
	}
}

func parseStoreMode(mode string) (tdb2.StoreMode, error) {
	switch mode {
	case "insert":
		return tdb2.Insert, nil
	case "modify":
		return tdb2.Modify, nil
	case "replace":
		return tdb2.Replace, nil
	default:
		return 0, fmt.Errorf("%w: %s", errUnknownMode, mode)
	}
}

func execStore(o *IO, cfg Config, mode string, args []string) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}
	if len(args) < 2 {
		return ErrValueRequired
	}

	storeMode, err := parseStoreMode(mode)
	if err != nil {
		return err
	}

	db, err := openDB(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Store([]byte(args[0]), []byte(args[1]), storeMode); err != nil {
		return err
	}

	o.Println("ok")

	return nil
}
