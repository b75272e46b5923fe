package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"veridraw/internal/app"
	"veridraw/internal/engine"
	"veridraw/internal/repo"
)

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the attestation ledger",
		Long:  "Every state change is one entry in a single SHA-256 hash chain shared by all escrows.",
	}

	var f repo.LedgerFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.LedgerEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Escrow", "Event", "Actor", "Role", "Hash")
				for _, e := range items {
					tw.AppendRow(table.Row{e.Seq, e.EntityID, e.EventType, e.ActorID, e.ActorRole, short(e.CurrentHash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&f.EntityID, "escrow", "", "escrow filter")
	tail.Flags().Int64Var(&f.AfterSeq, "after", 0, "start after this sequence")
	tail.Flags().IntVar(&f.Limit, "n", 50, "number of entries")
	l.AddCommand(tail)

	l.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash in the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.VerifyLedger(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("ledger OK: %d entries, tip #%d %s\n", rep.Entries, rep.TipSeq, rep.TipHash)
				return nil
			})
		},
	})

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the chain as a zstd-compressed JSONL archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out required")
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ExportLedger(ctx, f)
				if err != nil {
					return err
				}
				if err := f.Sync(); err != nil {
					return err
				}
				fmt.Printf("exported %d entries to %s\n", n, out)
				return nil
			})
		},
	}
	export.Flags().StringVar(&out, "out", "", "archive path")
	l.AddCommand(export)

	l.AddCommand(&cobra.Command{
		Use:   "verify-archive <file>",
		Short: "Check an exported archive offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rep, err := engine.VerifyArchive(f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			fmt.Printf("archive OK: %d entries, tip #%d %s\n", rep.Entries, rep.TipSeq, rep.TipHash)
			return nil
		},
	})
	return l
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Read the notification inbox for --role"}

	var q engine.NotificationQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			q.Actor = who
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Notifications(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Severity", "Event", "Escrow", "Message", "Read")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Seq, it.Severity, it.Event, it.EscrowID, it.Message, it.Read})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.EscrowID, "escrow", "", "escrow filter")
	list.Flags().BoolVar(&q.UnreadOnly, "unread", false, "only unread")
	list.Flags().IntVar(&q.Limit, "limit", 50, "max rows")
	n.AddCommand(list)

	n.AddCommand(&cobra.Command{
		Use:   "read <seq>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("seq: %w", err)
			}
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.MarkNotificationRead(ctx, seq, who)
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	})
	return n
}

func short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
