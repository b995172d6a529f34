// kioku manages persisted conversation logs from the command line: create
// logs, append turns with automatic compaction, and export a log in a
// model provider's message format.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/session"
	"github.com/bdobrica/Kioku/internal/kioku/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs.
type cli struct {
	cfg    *config.Config
	coord  *session.Coordinator
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// command is one subcommand.
type command struct {
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"new":     {summary: "create an empty log", run: runNew},
	"append":  {summary: "append a turn, compacting when over budget", run: runAppend},
	"show":    {summary: "print a log", run: runShow},
	"list":    {summary: "list stored logs, newest first", run: runList},
	"delete":  {summary: "delete a stored log", run: runDelete},
	"cleanup": {summary: "keep the newest logs and delete the rest", run: runCleanup},
	"compact": {summary: "compact a log now", run: runCompact},
	"export":  {summary: "print a log as provider messages", run: runExport},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var configPath, logLevel string
	flags := pflag.NewFlagSet("kioku", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVar(&configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/kioku/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.Usage = func() { printUsage(stderr, flags) }
	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(stderr, flags)
		return errors.New("no command given")
	}
	name, rest := rest[0], rest[1:]
	if name == "version" {
		fmt.Fprintln(stdout, version.Info("kioku"))
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		printUsage(stderr, flags)
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := observability.Setup(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	logger.Debug("kioku: configuration loaded",
		"max_tokens", cfg.MaxTokens,
		"policy", cfg.CompactionPolicy().String(),
		"backend", cfg.Storage.Backend,
		"postgres_dsn", redact.DSN(cfg.Storage.PostgresDSN),
	)

	store, err := storage.Open(ctx, cfg.StorageOptions(logger))
	if err != nil {
		return err
	}
	coord, err := session.New(store, cfg.SessionOptions(logger))
	if err != nil {
		store.Close()
		return err
	}
	defer coord.Close()

	return cmd.run(ctx, &cli{cfg: cfg, coord: coord, stdin: stdin, stdout: stdout, stderr: stderr}, rest)
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: kioku [flags] COMMAND [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "  %-9s %s\n", "version", "print version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
}

// subcommandFlags returns a flag set for a subcommand.
func (c *cli) subcommandFlags(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "Usage: kioku %s\n%s", usage, fs.FlagUsages())
	}
	return fs
}

func joinContent(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return strings.Join(args, " "), nil
}
