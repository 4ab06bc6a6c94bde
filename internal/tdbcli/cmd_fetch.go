package tdbcli

import (
	"context"
	"errors"

	"github.com/calvinalkan/tdb2/pkg/tdb2"

	flag "github.com/spf13/pflag"
)

// FetchCmd returns the fetch command.
func FetchCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("fetch", flag.ContinueOnError),
		Usage: "fetch <key>",
		Short: "Print the value stored under key",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execFetch(o, cfg, args)
		},
	}
}

func execFetch(o *IO, cfg Config, args []string) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}

	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	val, err := db.Fetch([]byte(args[0]))
	if err != nil {
		if errors.Is(err, tdb2.ErrNoExist) {
			o.WarnLLM("key not found: "+args[0], "check the key with 'tdb2 exists' or 'tdb2 dump' first")
			return nil
		}
		return err
	}

	o.Printf("%s", val)

	return nil
}
