// Package interactive provides the interactive debug console for
// watch-vrchat-user.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tomacheese/watch-vrchat-user/pkg/presence"
	"github.com/tomacheese/watch-vrchat-user/pkg/watcher"
)

// Console handles interactive mode for watch-vrchat-user.
type Console struct {
	watcher *watcher.Watcher
	rl      *readline.Instance
}

// New creates a console bound to a running watcher.
func New(w *watcher.Watcher) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "watch> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{
		watcher: w,
		rl:      rl,
	}, nil
}

// Stdout returns a writer that coordinates with the readline input.
// Use this for log output to avoid interfering with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop. It returns when the user
// exits or ctx is cancelled; exiting cancels the whole process.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "status", "s":
			c.cmdStatus()

		case "entities", "list", "ls":
			c.cmdEntities()

		case "get", "g":
			c.cmdGet(args)

		case "flush":
			c.cmdFlush()

		case "reconnect":
			c.cmdReconnect()

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Watcher commands:
  status          - Connection and store summary
  entities        - List tracked friends
  get <id>        - Show one friend's record
  flush           - Force a snapshot write
  reconnect       - Drop the feed and reconnect
  help            - Show this help
  exit            - Quit the watcher`)
}

func (c *Console) cmdStatus() {
	out := c.rl.Stdout()
	sup := c.watcher.Supervisor()

	fmt.Fprintf(out, "Connection: %s\n", sup.State())
	if session := sup.Session(); session != "" {
		fmt.Fprintf(out, "  Session:    %s\n", session)
	}
	fmt.Fprintf(out, "  Attempts:   %d\n", sup.Attempts())
	if last, ok := sup.LastEventTime(); ok {
		fmt.Fprintf(out, "  Last event: %s ago\n", time.Since(last).Round(time.Second))
	} else {
		fmt.Fprintln(out, "  Last event: never")
	}
	fmt.Fprintf(out, "Store: %d entities\n", c.watcher.Store().Count())
}

func (c *Console) cmdEntities() {
	out := c.rl.Stdout()

	records := c.watcher.Store().Records()
	if len(records) == 0 {
		fmt.Fprintln(out, "No entities tracked yet")
		return
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DisplayName < records[j].DisplayName
	})

	for _, rec := range records {
		fmt.Fprintf(out, "  %-32s %-20s %s\n", rec.ID, rec.DisplayName, stateLabel(rec))
	}
	fmt.Fprintf(out, "%d entities\n", len(records))
}

func (c *Console) cmdGet(args []string) {
	out := c.rl.Stdout()

	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: get <user-id>")
		return
	}

	rec, ok := c.watcher.Store().Record(args[0])
	if !ok {
		fmt.Fprintf(out, "No record for %s\n", args[0])
		return
	}

	fmt.Fprintf(out, "ID:           %s\n", rec.ID)
	fmt.Fprintf(out, "Display name: %s\n", rec.DisplayName)
	fmt.Fprintf(out, "State:        %s\n", stateLabel(rec))
	fmt.Fprintf(out, "Updated:      %s\n", rec.UpdatedAt.Format(time.RFC3339))
}

func (c *Console) cmdFlush() {
	out := c.rl.Stdout()

	if err := c.watcher.Store().Flush(); err != nil {
		fmt.Fprintf(out, "Flush failed: %v\n", err)
		return
	}
	fmt.Fprintln(out, "Snapshot written")
}

func (c *Console) cmdReconnect() {
	out := c.rl.Stdout()

	handle := c.watcher.Supervisor().Handle()
	if handle == nil {
		fmt.Fprintln(out, "Not connected; supervisor is already retrying")
		return
	}

	// Closing the live handle makes the read loop fail, which feeds
	// the normal connection-lost path and schedules a reconnect.
	if err := handle.Close(); err != nil {
		fmt.Fprintf(out, "Close failed: %v\n", err)
		return
	}
	fmt.Fprintln(out, "Connection dropped, reconnecting...")
}

// stateLabel formats a record's location for display.
func stateLabel(rec presence.Record) string {
	if rec.State == nil {
		return "offline"
	}
	return *rec.State
}
