package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/banshee-data/trialrig/internal/api"
	"github.com/banshee-data/trialrig/internal/monitor"
)

const ctlVerbs = "status, start, stop, pause [-graceful], unpause, command <text>, sessions, trials [session-id]"

// runCtl executes one control verb against a running rig and prints the
// result to out.
func runCtl(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	verb, rest := args[0], args[1:]
	switch verb {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, st)
	case "start":
		return printState(out)(c.Start(ctx))
	case "stop":
		return printState(out)(c.Stop(ctx))
	case "unpause":
		return printState(out)(c.Unpause(ctx))
	case "pause":
		fs := flag.NewFlagSet("pause", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		graceful := fs.Bool("graceful", false, "end the running trial before pausing")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return printState(out)(c.Pause(ctx, *graceful))
	case "command":
		text := strings.TrimSpace(strings.Join(rest, " "))
		if text == "" {
			return fmt.Errorf("missing command text")
		}
		if err := c.Command(ctx, text); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil
	case "sessions":
		sessions, err := c.Sessions(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, sessions)
	case "trials":
		var session string
		if len(rest) > 0 {
			session = rest[0]
		}
		trials, err := c.Trials(ctx, session)
		if err != nil {
			return err
		}
		return printJSON(out, trials)
	}
	return fmt.Errorf("unknown verb %q (want one of: %s)", verb, ctlVerbs)
}

// baseURL turns a listen address into the URL a local client dials.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printState(out io.Writer) func(monitor.State, error) error {
	return func(st monitor.State, err error) error {
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, st)
		return err
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
