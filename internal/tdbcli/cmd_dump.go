package tdbcli

import (
	"context"
	"encoding/base64"

	flag "github.com/spf13/pflag"
)

// DumpCmd returns the dump command.
func DumpCmd(cfg Config) *Command {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.Bool("base64", false, "Base64-encode keys and values (safe for binary data)")

	return &Command{
		Flags: fs,
		Usage: "dump [flags]",
		Short: "Print every key/value pair, one per line",
		Long:  "Traverse the whole database, printing \"key\\tvalue\" for every live record. Values containing newlines or tabs are unreadable without --base64.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			b64, _ := fs.GetBool("base64")
			return execDump(o, cfg, b64)
		},
	}
}

func execDump(o *IO, cfg Config, b64 bool) error {
	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.Traverse(func(key, val []byte) int {
		if b64 {
			o.Printf("%s\t%s\n", base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(val))
		} else {
			o.Printf("%s\t%s\n", key, val)
		}
		return 0
	})

	return err
}
