package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"auditchain/internal/event"
	"auditchain/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print events in a sequence range",
	RunE:  runQuery,
}

var (
	queryFrom   uint64
	queryTo     uint64
	queryLimit  int
	queryFormat string
)

func init() {
	queryCmd.Flags().Uint64Var(&queryFrom, "from", 0, "first sequence")
	queryCmd.Flags().Uint64Var(&queryTo, "to", 0, "last sequence (default: head)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum events to return (0: no cap)")
	queryCmd.Flags().StringVar(&queryFormat, "format", "table", "output format: table or json")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	if queryFormat != "table" && queryFormat != "json" {
		return fmt.Errorf("unknown format %q (want table or json)", queryFormat)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	head, err := st.Head(ctx)
	if store.IsNotFound(err) {
		if queryFormat == "json" {
			fmt.Fprintln(cmd.OutOrStdout(), "[]")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "no events")
		}
		return nil
	}
	if err != nil {
		return err
	}

	to := head.Sequence
	if cmd.Flags().Changed("to") {
		to = queryTo
	}

	events, err := st.QueryRange(ctx, queryFrom, to, queryLimit)
	if err != nil {
		return err
	}

	if queryFormat == "json" {
		return printJSON(cmd.OutOrStdout(), events)
	}
	printTable(cmd.OutOrStdout(), events)
	return nil
}

func printJSON(w io.Writer, events []*event.Event) error {
	if events == nil {
		events = []*event.Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

func printTable(w io.Writer, events []*event.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}

	fmt.Fprintf(w, "%-8s %-24s %-24s %-14s %-16s %-16s %s\n",
		"SEQ", "TIME", "KIND", "SEVERITY", "SERVICE", "SUBJECT", "HTTP")
	for _, e := range events {
		http := ""
		if e.HTTP != nil {
			http = fmt.Sprintf("%s %s -> %d", e.HTTP.Method, e.HTTP.Path, e.HTTP.Status)
		}
		fmt.Fprintf(w, "%-8d %-24s %-24s %-14s %-16s %-16s %s\n",
			e.Sequence,
			e.Timestamp.Format("2006-01-02T15:04:05.000Z"),
			e.Kind,
			e.Severity,
			e.Service,
			e.Subject,
			http,
		)
	}
}
