package tdbcli

import (
	"context"
	"errors"

	"github.com/calvinalkan/tdb2/pkg/tdb2"

	flag "github.com/spf13/pflag"
)

// DeleteCmd returns the delete command.
func DeleteCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("delete", flag.ContinueOnError),
		Usage: "delete <key>",
		Short: "Delete a key",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execDelete(o, cfg, args)
		},
	}
}

func execDelete(o *IO, cfg Config, args []string) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}

	db, err := openDB(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Delete([]byte(args[0])); err != nil {
		if errors.Is(err, tdb2.ErrNoExist) {
			o.WarnLLM("key not found: "+args[0], "nothing was deleted; check the key with 'tdb2 exists' first")
			return nil
		}
		return err
	}

	o.Println("ok")

	return nil
}
