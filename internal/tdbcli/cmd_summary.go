package tdbcli

import (
	"context"

	"github.com/calvinalkan/tdb2/pkg/tdb2"

	flag "github.com/spf13/pflag"
)

// SummaryCmd returns the summary command.
func SummaryCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	fs.Bool("hash", false, "Include the hash-index histogram")
	fs.Bool("free", false, "Include the free-list histogram")

	return &Command{
		Flags: fs,
		Usage: "summary [flags]",
		Short: "Print a human-readable report of internal state",
		Long:  "Report hash-index and free-list histograms. With no flags, both are shown.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			hash, _ := fs.GetBool("hash")
			free, _ := fs.GetBool("free")
			return execSummary(o, cfg, hash, free)
		},
	}
}

func execSummary(o *IO, cfg Config, hash, free bool) error {
	flags := tdb2.SummaryAll
	if hash || free {
		flags = 0
		if hash {
			flags |= tdb2.SummaryHash
		}
		if free {
			flags |= tdb2.SummaryFree
		}
	}

	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	report, err := db.Summary(flags)
	if err != nil {
		return err
	}

	o.Printf("%s", report)

	return nil
}
