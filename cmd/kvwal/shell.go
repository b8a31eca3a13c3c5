package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/kvwal/target"
	"github.com/colorfulnotion/kvwal/wal"
	"github.com/colorfulnotion/kvwal/walerrors"
	"github.com/spf13/cobra"
)

const shellHelp = `commands:
  put <key> <value>   store value under key
  get <key>           print the newest value of key
  del <key>           delete key
  switch [zone]       switch the log buffer of one zone (all zones when omitted)
  flush               wait until every zone finished flushing
  stats               print engine and target counters
  help                show this text
  exit                leave the shell`

var errQuit = errors.New("quit")

func newShellCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console over an opened device",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			home, _ := os.UserHomeDir()
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "kvwal> ",
				HistoryFile:     filepath.Join(home, ".kvwal_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("readline: %w", err)
			}
			defer rl.Close()

			sh := &shell{engine: s.engine, target: s.target, out: rl.Stdout(), timeout: 10 * time.Second}
			fmt.Fprintln(sh.out, "type 'help' for commands")
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					return nil
				}
				if err := sh.exec(cmd.Context(), line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintf(sh.out, "error: %v\n", err)
				}
			}
		},
	}
}

// shell executes one console line at a time.
type shell struct {
	engine  *wal.Engine
	target  *target.Target
	out     io.Writer
	timeout time.Duration
}

func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "put":
		if len(args) < 2 {
			return errors.New("usage: put <key> <value>")
		}
		value := strings.Join(args[1:], " ")
		if err := sh.target.Put(ctx, []byte(args[0]), []byte(value)); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}
		v, err := sh.target.Get(ctx, []byte(args[0]))
		if errors.Is(err, walerrors.ErrNotFound) {
			fmt.Fprintln(sh.out, "(nil)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%q\n", v)
	case "del":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}
		st, err := sh.target.Delete(ctx, []byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, st)
	case "switch":
		ids := make([]int, 0, sh.engine.NumZones())
		if len(args) == 0 {
			for i := 0; i < sh.engine.NumZones(); i++ {
				ids = append(ids, i)
			}
		} else {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad zone %q", args[0])
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if err := sh.target.Switch(ctx, id); err != nil {
				return err
			}
		}
		fmt.Fprintln(sh.out, "OK")
	case "flush":
		if err := sh.engine.WaitFlushed(ctx); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "stats":
		sh.printStats()
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	return nil
}

func (sh *shell) printStats() {
	st := sh.engine.Stats()
	m := st.Metrics
	fmt.Fprintf(sh.out, "superblock %s\n", st.Status)
	fmt.Fprintf(sh.out, "stores %d deletes %d reads %d (hit ratio %.2f)\n",
		m.Stores, m.Deletes, m.Reads, sh.engine.Metrics().ReadHitRatio())
	fmt.Fprintf(sh.out, "switches %d flushes %d flushed items %d flush errors %d\n",
		m.Switches, m.Flushes, m.FlushedItems, m.FlushErrors)
	fmt.Fprintf(sh.out, "dump groups %d objects %d blocks %d\n", m.DumpGroups, m.DumpObjects, m.DumpBlocks)
	for _, z := range st.Zones {
		fmt.Fprintf(sh.out, "zone %d %s: log %d items, flush %d items, batch %d/%s\n",
			z.ID, z.FlushState, z.Log.Items, z.Flush.Items, z.BatchTarget, z.BatchTimeout)
	}
	ts := sh.target.Stats()
	fmt.Fprintf(sh.out, "target requests %d retries %d write misses %d store reads %d queued %d\n",
		ts.Requests, ts.Retries, ts.WriteMisses, ts.ReadFallbacks, ts.QueuedRetries)
}
