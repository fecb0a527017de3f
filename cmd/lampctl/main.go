package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/YassineXScenery/lampsync/internal/lampctl"
)

var (
	nodeURL   = flag.String("url", "http://localhost:8430", "lampd API URL")
	authToken = flag.String("auth-token", "", "Authentication token (or set LAMPCTL_AUTH_TOKEN env var)")
	format    = flag.String("format", "table", "Output format: table or json")
	limit     = flag.Int("limit", 50, "signals: number of rows to fetch")
	protocol  = flag.String("protocol", "", "signals: filter by channel (CAN or LIN)")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("LAMPCTL_AUTH_TOKEN")
	}
	if *authToken == "" {
		fmt.Fprintf(os.Stderr, "Error: auth token required (--auth-token or LAMPCTL_AUTH_TOKEN env var)\n")
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := lampctl.NewHTTPClient(*nodeURL, *authToken)

	switch args[0] {
	case "state":
		state, err := lampctl.GetState(client)
		exitOnError(err)
		printState(state)

	case "mode":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: mode requires a target (P, S, W, F)\n")
			os.Exit(1)
		}
		state, err := lampctl.ChangeMode(client, args[1])
		exitOnError(err)
		printState(state)

	case "toggle":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: toggle requires a channel (CAN or LIN)\n")
			os.Exit(1)
		}
		state, err := lampctl.ToggleButton(client, strings.ToUpper(args[1]))
		exitOnError(err)
		printState(state)

	case "peers":
		peers, err := lampctl.ListPeers(client)
		exitOnError(err)
		if *format == "json" {
			printJSON(peers)
		} else {
			printPeersTable(peers)
		}

	case "signals":
		signals, err := lampctl.ListSignals(client, *protocol, *limit)
		exitOnError(err)
		if *format == "json" {
			printJSON(signals)
		} else {
			printSignalsTable(signals)
		}

	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := client.Watch(ctx, func(ev lampctl.EventJSON) {
			if *format == "json" {
				data, _ := json.Marshal(ev)
				fmt.Println(string(data))
				return
			}
			fmt.Println(describeEvent(ev))
		})
		exitOnError(err)

	case "help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func printState(state *lampctl.StateJSON) {
	if *format == "json" {
		printJSON(state)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "MODE\t%s (%s)\n", state.ModeName, state.Mode)
	fmt.Fprintf(w, "MODE_VERSION\t%d\n", state.ModeVersion)
	fmt.Fprintf(w, "NEXT_MODES\t%s\n", strings.Join(state.NextModes, ", "))
	fmt.Fprintf(w, "FOCUS\t%s\n", state.Focus)
	fmt.Fprintf(w, "OFFLINE\t%t\n", state.Offline)
	if state.UpdatedAt != nil {
		fmt.Fprintf(w, "UPDATED_AT\t%s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tLAMP\tBUTTON")
	names := make([]string, 0, len(state.Channels))
	for name := range state.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := state.Channels[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, ch.Lamp, ch.Button)
	}
	w.Flush()
}

func printPeersTable(peers []lampctl.PeerJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tSOURCE\tFIRST_SEEN\tLAST_SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Addr, dash(p.Source),
			p.FirstSeen.Format("2006-01-02 15:04:05"),
			p.LastSeen.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printSignalsTable(signals []lampctl.SignalJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSIGNAL\tVALUE\tPROTOCOL\tSOURCE")
	for _, s := range signals {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Timestamp.Format("2006-01-02 15:04:05"),
			s.SignalName, s.Value, dash(s.Protocol), dash(s.Source))
	}
	w.Flush()
}

func describeEvent(ev lampctl.EventJSON) string {
	ts := ev.Timestamp.Format("15:04:05.000")
	origin := "local"
	if ev.Remote {
		origin = "remote:" + dash(ev.Source)
	}
	switch ev.Type {
	case "mode_changed":
		return fmt.Sprintf("%s  mode %s -> %s (%s)", ts, ev.PreviousMode, ev.Mode, origin)
	case "channel_changed":
		return fmt.Sprintf("%s  %s lamp=%s button=%s (%s)", ts, ev.Protocol, ev.Lamp, ev.Button, origin)
	case "transition_rejected", "button_rejected":
		return fmt.Sprintf("%s  %s: %s", ts, ev.Type, ev.Reason)
	case "peer_discovered":
		return fmt.Sprintf("%s  peer %s (%s)", ts, ev.Peer, dash(ev.Source))
	}
	return fmt.Sprintf("%s  %s", ts, ev.Type)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lampctl - lampsync node CLI

Usage:
  lampctl [flags] <command> [args]

Flags:
%s
Commands:
  state                Show mode, version and channel states
  mode <P|S|W|F>       Request a mode transition
  toggle <CAN|LIN>     Toggle a channel button (Warning and Flash only)
  peers                List discovered peers
  signals              Show the signal log (--protocol, --limit)
  watch                Stream live events until interrupted
  help                 Show this help message

Examples:
  lampctl --auth-token mytoken state
  lampctl mode W
  lampctl --format json signals --protocol CAN --limit 10
`, flag.CommandLine.FlagUsages())
}
