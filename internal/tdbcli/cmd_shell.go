package tdbcli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb2/pkg/tdb2"
)

// ShellCmd returns the interactive shell command.
func ShellCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Start an interactive shell against the database",
		Long:  "Opens the database and reads commands from a readline-style prompt until 'exit' or EOF. Type 'help' inside the shell for the command list.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execShell(o, cfg)
		},
	}
}

// shell is the interactive command loop, grounded on the teacher's sloty
// REPL but driving tdb2.DB's key/value operations instead of slotcache's.
type shell struct {
	db    *tdb2.DB
	out   io.Writer
	liner *liner.State
}

func execShell(o *IO, cfg Config) error {
	db, err := openDB(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	s := &shell{db: db, out: o.out}
	return s.run()
}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tdb2_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer func() { _ = s.liner.Close() }()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(shellHistoryFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Fprintln(s.out, "tdb2 - interactive shell")
	fmt.Fprintln(s.out, "Type 'help' for available commands.")
	fmt.Fprintln(s.out)

	for {
		line, err := s.liner.Prompt("tdb2> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "Bye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(s.out, "Bye!")
			s.saveHistory()
			return nil
		case "help", "?":
			s.printHelp()
		case "store", "put", "set":
			s.cmdStore(args)
		case "fetch", "get":
			s.cmdFetch(args)
		case "append":
			s.cmdAppend(args)
		case "delete", "del", "rm":
			s.cmdDelete(args)
		case "exists":
			s.cmdExists(args)
		case "dump", "ls", "list":
			s.cmdDump()
		case "check":
			s.cmdCheck()
		case "summary":
			s.cmdSummary()
		default:
			fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	s.saveHistory()
	return nil
}

func (s *shell) saveHistory() {
	path := shellHistoryFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		_, _ = s.liner.WriteHistory(f)
		_ = f.Close()
	}
}

func (s *shell) completer(line string) []string {
	commands := []string{
		"store", "put", "set", "fetch", "get", "append",
		"delete", "del", "rm", "exists", "dump", "ls", "list",
		"check", "summary", "help", "exit", "quit", "q",
	}

	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  store <key> <value>   Insert or overwrite a key")
	fmt.Fprintln(s.out, "  fetch <key>           Print a key's value")
	fmt.Fprintln(s.out, "  append <key> <suffix> Append to a key's value")
	fmt.Fprintln(s.out, "  delete <key>          Remove a key")
	fmt.Fprintln(s.out, "  exists <key>          Print true/false")
	fmt.Fprintln(s.out, "  dump                  List every key/value pair")
	fmt.Fprintln(s.out, "  check                 Run the integrity checker")
	fmt.Fprintln(s.out, "  summary               Print hash/free histograms")
	fmt.Fprintln(s.out, "  exit, quit, q         Leave the shell")
}

func (s *shell) cmdStore(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: store <key> <value>")
		return
	}
	if err := s.db.Store([]byte(args[0]), []byte(strings.Join(args[1:], " ")), tdb2.Replace); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "ok")
}

func (s *shell) cmdFetch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "usage: fetch <key>")
		return
	}
	val, err := s.db.Fetch([]byte(args[0]))
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "%s\n", val)
}

func (s *shell) cmdAppend(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: append <key> <suffix>")
		return
	}
	if err := s.db.Append([]byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "ok")
}

func (s *shell) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "usage: delete <key>")
		return
	}
	if err := s.db.Delete([]byte(args[0])); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "ok")
}

func (s *shell) cmdExists(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "usage: exists <key>")
		return
	}
	ok, err := s.db.Exists([]byte(args[0]))
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, ok)
}

func (s *shell) cmdDump() {
	_, err := s.db.Traverse(func(key, val []byte) int {
		fmt.Fprintf(s.out, "%s\t%s\n", key, val)
		return 0
	})
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *shell) cmdCheck() {
	if err := s.db.Check(nil); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "ok")
}

func (s *shell) cmdSummary() {
	report, err := s.db.Summary(tdb2.SummaryAll)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, report)
}
