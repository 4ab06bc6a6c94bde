package tdbcli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// ExistsCmd returns the exists command.
func ExistsCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("exists", flag.ContinueOnError),
		Usage: "exists <key>",
		Short: "Report whether a key is present (exit code 1 if absent)",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execExists(o, cfg, args)
		},
	}
}

func execExists(o *IO, cfg Config, args []string) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}

	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ok, err := db.Exists([]byte(args[0]))
	if err != nil {
		return err
	}

	if ok {
		o.Println("true")
		return nil
	}

	o.Println("false")
	o.WarnLLM("key not found: "+args[0], "this is expected output, not an error")

	return nil
}
