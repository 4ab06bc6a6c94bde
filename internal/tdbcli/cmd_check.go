package tdbcli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// CheckCmd returns the check command.
func CheckCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check",
		Short: "Validate the database's structural invariants",
		Long:  "Walk the whole file, validating the hash index and free lists against their structural invariants. Prints \"ok\" and exits 0 if the database is sound, otherwise reports the first violation found.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execCheck(o, cfg)
		},
	}
}

func execCheck(o *IO, cfg Config) error {
	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Check(nil); err != nil {
		return err
	}

	o.Println("ok")

	return nil
}
