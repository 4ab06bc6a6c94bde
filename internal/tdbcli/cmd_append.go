package tdbcli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// AppendCmd returns the append command.
func AppendCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("append", flag.ContinueOnError),
		Usage: "append <key> <suffix>",
		Short: "Append suffix to key's existing value",
		Long:  "Append suffix onto key's existing value, creating the key with suffix as its initial value if it does not exist yet.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execAppend(o, cfg, args)
		},
	}
}

func execAppend(o *IO, cfg Config, args []string) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}
	if len(args) < 2 {
		return ErrValueRequired
	}

	db, err := openDB(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Append([]byte(args[0]), []byte(args[1])); err != nil {
		return err
	}

	o.Println("ok")

	return nil
}
