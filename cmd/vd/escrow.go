package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"veridraw/internal/app"
	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/payments"
	"veridraw/internal/repo"
)

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Manage escrows"}
	esc.AddCommand(escrowCreateCmd())
	esc.AddCommand(escrowListCmd())
	esc.AddCommand(escrowShowCmd())
	esc.AddCommand(escrowFundCmd())
	esc.AddCommand(escrowChangeBudgetCmd())
	esc.AddCommand(escrowDisputeCmd())
	esc.AddCommand(escrowApplyTemplateCmd())
	return esc
}

// parseMilestone reads "name:amount[:EV1,EV2]".
func parseMilestone(spec string) (engine.MilestoneInput, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return engine.MilestoneInput{}, fmt.Errorf("milestone %q: want name:amount[:EVIDENCE,...]", spec)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return engine.MilestoneInput{}, fmt.Errorf("milestone %q: bad amount: %w", spec, err)
	}
	in := engine.MilestoneInput{Name: strings.TrimSpace(parts[0]), Amount: amount}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		in.RequiredEvidence = strings.Split(parts[2], ",")
	}
	return in, nil
}

func escrowCreateCmd() *cobra.Command {
	var id, buyer, provider, total, currency string
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an escrow",
		Example: `  vd escrow create --buyer owner-7 --provider acme-build --total 10000 \
    --milestone "Foundation:4000:PHOTO,INSPECTION" --milestone "Framing:6000:PHOTO"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("--total: %w", err)
			}
			opts := engine.CreateOptions{ID: id, BuyerID: buyer, ProviderID: provider, TotalAmount: amount, Currency: currency, Actor: a}
			for _, spec := range milestones {
				in, err := parseMilestone(spec)
				if err != nil {
					return err
				}
				opts.Milestones = append(opts.Milestones, in)
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				d, err := svc.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "escrow id (default: generated)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer id")
	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&total, "total", "", "total amount")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO currency (default from config)")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as name:amount[:EVIDENCE,...] (repeatable)")
	return cmd
}

func escrowListCmd() *cobra.Command {
	var f repo.EscrowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEscrows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "State", "Buyer", "Provider", "Total", "Funded", "Version")
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.State, e.BuyerID, e.ProviderID,
						e.TotalAmount.StringFixed(2) + " " + e.Currency, e.FundedAmount.StringFixed(2), e.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.BuyerID, "buyer", "", "buyer filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func escrowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an escrow and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
}

func escrowFundCmd() *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Confirm the custodial deposit (CUSTODIAN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				d, err := svc.Engine.ConfirmFunds(ctx, engine.ConfirmFundsOptions{
					EscrowID:        args[0],
					Reference:       reference,
					ExpectedVersion: optionalInt(cmd, "expected-version"),
					Actor:           a,
				})
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "deposit reference")
	cmd.Flags().Int("expected-version", 0, "fail unless the escrow is at this version")
	return cmd
}

func escrowChangeBudgetCmd() *cobra.Command {
	var delta, name, reason string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "change-budget <id>",
		Short: "Add a change-order milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			d, err := decimal.NewFromString(delta)
			if err != nil {
				return fmt.Errorf("--delta: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				out, err := svc.Engine.ChangeBudget(ctx, engine.ChangeBudgetOptions{
					EscrowID:         args[0],
					Delta:            d,
					Name:             name,
					Reason:           reason,
					RequiredEvidence: evidence,
					ExpectedVersion:  optionalInt(cmd, "expected-version"),
					Actor:            a,
				})
				if err != nil {
					return err
				}
				return printDetail(out)
			})
		},
	}
	cmd.Flags().StringVar(&delta, "delta", "", "amount added to the total")
	cmd.Flags().StringVar(&name, "name", "", "milestone name (default: Change Order #n)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "required evidence types")
	cmd.Flags().Int("expected-version", 0, "fail unless the escrow is at this version")
	return cmd
}

func escrowDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Freeze the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				d, err := svc.Engine.DisputeEscrow(ctx, engine.DisputeEscrowOptions{EscrowID: args[0], Reason: reason, Actor: a})
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func escrowApplyTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply-template <id> <template>",
		Short: "Replace the milestone plan with a configured template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				d, err := svc.Engine.ApplyTemplate(ctx, engine.ApplyTemplateOptions{
					EscrowID:        args[0],
					Template:        args[1],
					ExpectedVersion: optionalInt(cmd, "expected-version"),
					Actor:           a,
				})
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
	cmd.Flags().Int("expected-version", 0, "fail unless the escrow is at this version")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Work with milestones"}

	var evType, url, source, origin, provider string
	upload := &cobra.Command{
		Use:   "evidence <milestone-id>",
		Short: "Attach evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			src, err := domain.ParseEvidenceSource(source)
			if err != nil {
				return err
			}
			org, err := domain.ParseEvidenceOrigin(origin)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				ev, err := svc.Engine.UploadEvidence(ctx, engine.UploadEvidenceOptions{
					MilestoneID: args[0], EvidenceType: evType, URL: url,
					Source: src, Origin: org, ProviderName: provider, Actor: a,
				})
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	upload.Flags().StringVar(&evType, "type", "", "evidence type (e.g. PHOTO)")
	upload.Flags().StringVar(&url, "url", "", "evidence location")
	upload.Flags().StringVar(&source, "source", "URL", "PHOTO, PDF, ESIGN or URL")
	upload.Flags().StringVar(&origin, "origin", "CONTRACTOR", "CONTRACTOR or THIRD_PARTY")
	upload.Flags().StringVar(&provider, "provider-name", "", "third-party provider name")
	ms.AddCommand(upload)

	ms.AddCommand(&cobra.Command{
		Use:   "evidence-list <milestone-id>",
		Short: "List evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Origin", "By", "URL")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.EvidenceType, ev.Origin, ev.SubmittedBy, ev.URL})
				}
				tw.Render()
				return nil
			})
		},
	})

	ms.AddCommand(milestoneActionCmd("submit", "Submit for review (CONTRACTOR)", func(ctx context.Context, e engine.Engine, id string, a domain.Actor, _ *cobra.Command) (any, error) {
		return e.Submit(ctx, engine.SubmitOptions{MilestoneID: id, Actor: a})
	}))

	approve := milestoneActionCmd("approve", "Approve and instruct payment (INSPECTOR)", func(ctx context.Context, e engine.Engine, id string, a domain.Actor, cmd *cobra.Command) (any, error) {
		sig, _ := cmd.Flags().GetString("signature")
		return e.Approve(ctx, engine.ApproveOptions{MilestoneID: id, Signature: sig, ExpectedVersion: optionalInt(cmd, "expected-version"), Actor: a})
	})
	approve.Flags().String("signature", "", "approval signature (default: derived digest)")
	approve.Flags().Int("expected-version", 0, "fail unless the escrow is at this version")
	ms.AddCommand(approve)

	reject := milestoneActionCmd("reject", "Reject (INSPECTOR)", func(ctx context.Context, e engine.Engine, id string, a domain.Actor, cmd *cobra.Command) (any, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return e.Reject(ctx, engine.RejectOptions{MilestoneID: id, Reason: reason, Actor: a})
	})
	reject.Flags().String("reason", "", "rejection reason")
	ms.AddCommand(reject)

	dispute := milestoneActionCmd("dispute", "Raise a milestone dispute", func(ctx context.Context, e engine.Engine, id string, a domain.Actor, cmd *cobra.Command) (any, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return e.RaiseDispute(ctx, engine.RaiseDisputeOptions{MilestoneID: id, Reason: reason, Actor: a})
	})
	dispute.Flags().String("reason", "", "dispute reason")
	ms.AddCommand(dispute)

	resolve := milestoneActionCmd("resolve", "Resolve a dispute with RESUME or CANCEL", func(ctx context.Context, e engine.Engine, id string, a domain.Actor, cmd *cobra.Command) (any, error) {
		raw, _ := cmd.Flags().GetString("resolution")
		notes, _ := cmd.Flags().GetString("notes")
		resolution, err := domain.ParseResolution(raw)
		if err != nil {
			return nil, err
		}
		return e.ResolveDispute(ctx, engine.ResolveDisputeOptions{MilestoneID: id, Resolution: resolution, Notes: notes, Actor: a})
	})
	resolve.Flags().String("resolution", "", "RESUME or CANCEL")
	resolve.Flags().String("notes", "", "resolution notes")
	ms.AddCommand(resolve)
	return ms
}

func milestoneActionCmd(use, short string, fn func(context.Context, engine.Engine, string, domain.Actor, *cobra.Command) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <milestone-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				out, err := fn(ctx, svc.Engine, args[0], a, cmd)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payment", Short: "Track payment instructions"}

	var f repo.PaymentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List payment instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Payments.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Escrow", "Milestone", "Payee", "Amount", "Status", "Memo")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.EscrowID, p.MilestoneID, p.PayeeID,
						p.Amount.StringFixed(2) + " " + p.Currency, p.Status, p.Memo})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.EscrowID, "escrow", "", "escrow filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	pay.AddCommand(list)

	pay.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a payment instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Payments.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})

	var reference string
	advance := &cobra.Command{
		Use:   "advance <id> <SENT|SETTLED>",
		Short: "Record a custodian status callback (CUSTODIAN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			target, err := domain.ParsePaymentStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, svc *app.App) error {
				p, err := svc.Engine.Payments.Advance(ctx, payments.AdvanceOptions{
					InstructionID: args[0], Target: target, Reference: reference, Actor: a,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	advance.Flags().StringVar(&reference, "reference", "", "custodian reference")
	pay.AddCommand(advance)
	return pay
}

func printDetail(d domain.EscrowDetail) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	e := d.Escrow
	fmt.Printf("Escrow %s  [%s]  v%d\n", e.ID, e.State, e.Version)
	fmt.Printf("  buyer %s  provider %s\n", e.BuyerID, e.ProviderID)
	fmt.Printf("  total %s %s  funded %s\n", e.TotalAmount.StringFixed(2), e.Currency, e.FundedAmount.StringFixed(2))
	fmt.Printf("  agreement %s\n", e.AgreementHash)
	tw := newTable("#", "ID", "Name", "Amount", "Status", "Evidence")
	for _, m := range d.Milestones {
		tw.AppendRow(table.Row{m.Position, m.ID, m.Name, m.Amount.StringFixed(2), m.Status, strings.Join(m.RequiredEvidence, ",")})
	}
	tw.Render()
	return nil
}
