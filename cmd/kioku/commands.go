package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/compaction"
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/format"
)

// load returns the log with the given ID, or the latest log when id is
// empty.
func (c *cli) load(ctx context.Context, id string) (*conversation.Log, error) {
	if id == "" {
		return c.coord.LoadLatest(ctx)
	}
	return c.coord.Load(ctx, id)
}

func runNew(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("new", "new [--name NAME]")
	name := fs.String("name", "", "log name (default: session-YYYYMMDD-HHMMSS)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := c.coord.NewLog(ctx, *name)
	if err != nil {
		return err
	}
	if !c.coord.Options().AutoSave {
		if err := c.coord.Save(ctx, l); err != nil {
			return err
		}
	}
	fmt.Fprintln(c.stdout, l.ID)
	return nil
}

func runAppend(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("append", "append [--log ID] [--role ROLE] CONTENT... (- reads stdin)")
	id := fs.String("log", "", "log ID (default: latest)")
	roleName := fs.StringP("role", "r", string(conversation.RoleUser), "turn role: system, user, assistant or tool")
	var attrs map[string]string
	fs.StringToStringVar(&attrs, "attr", nil, "turn attribute key=value, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	role, err := conversation.ParseRole(*roleName)
	if err != nil {
		return err
	}
	content, err := joinContent(fs.Args(), c.stdin)
	if err != nil {
		return err
	}
	if content == "" {
		return errors.New("append: content is required")
	}

	l, err := c.load(ctx, *id)
	if err != nil {
		return err
	}
	turn := conversation.NewTurn(role, content)
	for k, v := range attrs {
		turn.WithAttribute(k, v)
	}
	res, err := c.coord.Append(ctx, l, turn)
	if err != nil {
		return err
	}
	if !res.Saved {
		if err := c.coord.Save(ctx, l); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.stdout, "%s %s: %d tokens, log total %d\n", turn.ID, turn.Role, turn.Tokens(), l.TotalTokens())
	if res.Compaction.Compacted {
		printCompaction(c, res.Compaction)
	}
	return nil
}

func runShow(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("show", "show [--log ID] [--json]")
	id := fs.String("log", "", "log ID (default: latest)")
	asJSON := fs.Bool("json", false, "print the stored document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := c.load(ctx, *id)
	if err != nil {
		return err
	}
	if *asJSON {
		data, err := codec.Default().Encode(l)
		if err != nil {
			return err
		}
		_, err = c.stdout.Write(append(data, '\n'))
		return err
	}

	fmt.Fprintf(c.stdout, "%s (%s)\n", l.Name, l.ID)
	fmt.Fprintf(c.stdout, "created %s, updated %s, %d turns, %d tokens\n\n",
		l.CreatedAt.Format(time.RFC3339), l.UpdatedAt.Format(time.RFC3339), l.Len(), l.TotalTokens())
	for _, t := range l.Turns {
		fmt.Fprintf(c.stdout, "[%s] %s (%d tokens)\n%s\n\n", t.CreatedAt.Format(time.RFC3339), t.Role, t.Tokens(), t.Content)
	}
	return nil
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("list", "list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	summaries, err := c.coord.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTURNS\tTOKENS\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Name, s.TurnCount, s.TotalTokens, s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("delete", "delete ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("delete: exactly one log ID is required")
	}
	return c.coord.Delete(ctx, fs.Arg(0))
}

func runCleanup(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("cleanup", "cleanup [--keep N]")
	keep := fs.Int("keep", c.cfg.KeepSessions, "number of most recently saved logs to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := c.coord.Cleanup(ctx, *keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "deleted %d logs\n", n)
	return nil
}

func runCompact(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("compact", "compact [--log ID]")
	id := fs.String("log", "", "log ID (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := c.load(ctx, *id)
	if err != nil {
		return err
	}
	res, err := c.coord.Compact(ctx, l)
	if err != nil {
		return err
	}
	if !res.Compacted {
		fmt.Fprintf(c.stdout, "log fits the budget: %d of %d tokens\n", res.TokensBefore, res.Budget)
		return nil
	}
	if !c.coord.Options().AutoSave && len(res.Removed) > 0 {
		if err := c.coord.Save(ctx, l); err != nil {
			return err
		}
	}
	printCompaction(c, res)
	return nil
}

func printCompaction(c *cli, res compaction.Result) {
	fmt.Fprintf(c.stdout, "compacted with %s: %d -> %d tokens, %d -> %d turns\n",
		res.Policy, res.TokensBefore, res.TokensAfter, res.TurnsBefore, res.TurnsAfter)
	if res.OverBudget {
		fmt.Fprintf(c.stdout, "warning: %d tokens still exceed the %d token budget\n", res.TokensAfter, res.Budget)
	}
}

// anthropicRequest is the exported shape for the anthropic format: system
// prompt blocks travel separately from messages.
type anthropicRequest struct {
	System   []anthropic.TextBlockParam `json:"system,omitempty"`
	Messages []anthropic.MessageParam   `json:"messages"`
}

func runExport(ctx context.Context, c *cli, args []string) error {
	fs := c.subcommandFlags("export", "export [--log ID] [--format bedrock|openai|anthropic]")
	id := fs.String("log", "", "log ID (default: latest)")
	name := fs.String("format", c.cfg.Format.Name, "target format: bedrock, openai or anthropic")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := c.load(ctx, *id)
	if err != nil {
		return err
	}

	var out any
	switch *name {
	case "", format.NameBedrock:
		out, err = format.NewBedrockFormat().Export(l)
	case format.NameOpenAI:
		out, err = format.NewOpenAIFormat().Export(l)
	case format.NameAnthropic:
		f := format.NewAnthropicFormat()
		msgs, exportErr := f.Export(l)
		out, err = anthropicRequest{System: f.System(l), Messages: msgs}, exportErr
	default:
		return fmt.Errorf("export: unknown format %q", *name)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
