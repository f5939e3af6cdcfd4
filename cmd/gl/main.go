package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/repo"
	"grantline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Grantline CLI",
	Long: `Grantline keeps a verifiable chain of custody for AI tool usage decisions.
Core concepts:
- Decision token (DT): a signed, expiring permit saying which tool and version
  may be used under which policy snapshot, by the enterprise or a named partner.
- Partner confirmation (PC): the partner's signed acknowledgement of the
  boundary before they execute; one per token and partner.
- Execution receipt (ER): the signed record of what actually ran, binding a
  hash of the outcome to the token (and confirmation) that allowed it.
- Proof chain: DT -> PC -> ER assembled per token, with a status describing
  how far it has progressed.
- Proof bundle: an evidence snapshot registered for later re-verification and
  compliance reporting.
- Event log: the audit diary of every issuance, confirmation, receipt and
  verification failure; view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GRANTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(bundleCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var enterpriseID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enterpriseID == "" {
				return fmt.Errorf("--enterprise-id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(enterpriseID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace for %s (config: %s, db: %s)\n", enterpriseID, path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&enterpriseID, "enterprise-id", "", "enterprise identifier")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage decision tokens"}
	tok.AddCommand(tokenIssueCmd())
	tok.AddCommand(tokenShowCmd())
	tok.AddCommand(tokenVerifyCmd())
	tok.AddCommand(tokenRevokeCmd())
	tok.AddCommand(tokenConsumeCmd())
	tok.AddCommand(tokenListCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var opts engine.IssueOptions
	var usageGrant, decision string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a decision token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, cfg *config.Config) error {
				if opts.EnterpriseID == "" {
					opts.EnterpriseID = cfg.Enterprise.ID
				}
				var err error
				if opts.UsageGrant, err = parseJSONObject(usageGrant, "usage-grant"); err != nil {
					return err
				}
				if opts.Decision, err = parseJSONObject(decision, "decision"); err != nil {
					return err
				}
				opts.ActorID = viper.GetString("actor-id")
				t, err := svc.Tokens.Issue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EnterpriseID, "enterprise-id", "", "issuing enterprise (defaults to config)")
	cmd.Flags().StringVar(&opts.PartnerID, "partner-id", "", "partner the token names, if any")
	cmd.Flags().StringVar(&opts.PolicySnapshotID, "policy-snapshot-id", "", "policy snapshot id")
	cmd.Flags().StringVar(&opts.PolicySnapshotDigest, "policy-snapshot-digest", "", "policy snapshot digest")
	cmd.Flags().StringVar(&opts.ToolName, "tool-name", "", "tool name")
	cmd.Flags().StringVar(&opts.ToolVersion, "tool-version", "", "tool version")
	cmd.Flags().StringVar(&opts.VendorName, "vendor-name", "", "tool vendor")
	cmd.Flags().StringVar(&usageGrant, "usage-grant", "", "usage grant JSON object")
	cmd.Flags().StringVar(&decision, "decision", "", "decision record JSON object")
	cmd.Flags().BoolVar(&opts.Reusable, "reusable", false, "allow multiple executions")
	cmd.Flags().IntVar(&opts.ExpiryHours, "expiry-hours", 0, "hours until expiry (default from config)")
	cmd.Flags().StringVar(&opts.TraceID, "trace-id", "", "trace id")
	return cmd
}

func tokenShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <dt-id>",
		Short: "Show a decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				t, err := svc.Tokens.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <dt-id>",
		Short: "Verify a decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				res, err := svc.Tokens.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					fmt.Printf("%s: valid\n", args[0])
				} else {
					fmt.Printf("%s: INVALID (%s)\n", args[0], res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <dt-id>",
		Short: "Revoke an active decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				t, err := svc.Tokens.Revoke(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	return cmd
}

func tokenConsumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume <dt-id>",
		Short: "Consume an active decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				won, err := svc.Tokens.Consume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !won {
					t, err := svc.Tokens.Get(ctx, args[0])
					if err != nil {
						return err
					}
					return fmt.Errorf("cannot consume %s: status is %q", args[0], t.Status)
				}
				fmt.Printf("%s: consumed\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func tokenListCmd() *cobra.Command {
	var f repo.TokenFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decision tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, cfg *config.Config) error {
				if f.EnterpriseID == "" && f.PartnerID == "" && f.CallerID == "" {
					f.EnterpriseID = cfg.Enterprise.ID
				}
				tokens, err := svc.Tokens.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tokens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tool", "Version", "Partner", "Status", "Expires"})
				for _, t := range tokens {
					partner := ""
					if t.PartnerID != nil {
						partner = *t.PartnerID
					}
					tw.AppendRow(table.Row{t.ID, t.ToolName, t.ToolVersion, partner, t.Status, t.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EnterpriseID, "enterprise-id", "", "filter by issuing enterprise")
	cmd.Flags().StringVar(&f.PartnerID, "partner-id", "", "filter by named partner")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.ToolName, "tool-name", "", "filter by tool name")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func confirmCmd() *cobra.Command {
	confirm := &cobra.Command{Use: "confirm", Short: "Partner confirmations"}
	confirm.AddCommand(confirmCreateCmd())
	confirm.AddCommand(confirmShowCmd())
	confirm.AddCommand(confirmVerifyCmd())
	return confirm
}

func confirmCreateCmd() *cobra.Command {
	var opts engine.ConfirmationOptions
	var controls []string
	cmd := &cobra.Command{
		Use:   "create <dt-id>",
		Short: "Record a partner confirmation for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				opts.DTID = args[0]
				opts.AcceptedControls = controls
				opts.ActorID = viper.GetString("actor-id")
				c, err := svc.Confirmations.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PartnerID, "partner-id", "", "confirming partner")
	cmd.Flags().StringVar(&opts.ConfirmerUserID, "confirmer-user-id", "", "user confirming on behalf of the partner")
	cmd.Flags().StringVar(&opts.ConfirmerRole, "confirmer-role", "", "confirmer role")
	cmd.Flags().StringVar(&opts.ConfirmationStatement, "statement", "", "confirmation statement")
	cmd.Flags().StringSliceVar(&controls, "accepted-controls", nil, "accepted control identifiers")
	cmd.Flags().StringVar(&opts.TraceID, "trace-id", "", "trace id")
	return cmd
}

func confirmShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <pc-id>",
		Short: "Show a partner confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				c, err := svc.Confirmations.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(c)
			})
		},
	}
	return cmd
}

func confirmVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <pc-id>",
		Short: "Verify a partner confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				res, err := svc.Confirmations.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					fmt.Printf("%s: valid\n", args[0])
				} else {
					fmt.Printf("%s: INVALID (%s)\n", args[0], res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func receiptCmd() *cobra.Command {
	receipt := &cobra.Command{Use: "receipt", Short: "Execution receipts"}
	receipt.AddCommand(receiptSubmitCmd())
	receipt.AddCommand(receiptShowCmd())
	receipt.AddCommand(receiptVerifyCmd())
	return receipt
}

func receiptSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var outcome string
	cmd := &cobra.Command{
		Use:   "submit <dt-id>",
		Short: "Submit an execution receipt for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				opts.DTID = args[0]
				var err error
				if opts.Outcome, err = parseJSONObject(outcome, "outcome"); err != nil {
					return err
				}
				if opts.ExecutionStartedAt == "" {
					opts.ExecutionStartedAt = time.Now().UTC().Format(time.RFC3339)
				}
				opts.ActorID = viper.GetString("actor-id")
				r, err := svc.Receipts.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PCID, "pc-id", "", "partner confirmation id")
	cmd.Flags().StringVar(&opts.ExecutorType, "executor-type", "enterprise", "enterprise or partner")
	cmd.Flags().StringVar(&opts.ExecutorID, "executor-id", "", "executing organization")
	cmd.Flags().StringVar(&opts.ExecutorUserID, "executor-user-id", "", "executing user")
	cmd.Flags().StringVar(&opts.ExecutionStartedAt, "started-at", "", "execution start (RFC 3339, default now)")
	cmd.Flags().StringVar(&opts.ExecutionCompletedAt, "completed-at", "", "execution end (RFC 3339, default now)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome JSON object")
	cmd.Flags().BoolVar(&opts.KeepTokenActive, "keep-token-active", false, "do not consume the token")
	cmd.Flags().StringVar(&opts.TraceID, "trace-id", "", "trace id")
	return cmd
}

func receiptShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <er-id>",
		Short: "Show an execution receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				r, err := svc.Receipts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(r)
			})
		},
	}
	return cmd
}

func receiptVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <er-id>",
		Short: "Verify an execution receipt and its chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				res, err := svc.Receipts.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Valid && res.ProofChainValid:
					fmt.Printf("%s: valid, chain valid\n", args[0])
				case res.Valid:
					fmt.Printf("%s: valid, chain INVALID (%s)\n", args[0], res.Reason)
				default:
					fmt.Printf("%s: INVALID (%s)\n", args[0], res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain <dt-id>",
		Short: "Show the proof chain for a decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				chain, err := svc.Receipts.ProofChain(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				fmt.Printf("decision token  %s  [%s]\n", chain.Token.ID, chain.Token.Status)
				if chain.Confirmation != nil {
					fmt.Printf("confirmation    %s  by %s\n", chain.Confirmation.ID, chain.Confirmation.PartnerID)
				}
				if chain.Receipt != nil {
					fmt.Printf("receipt         %s  by %s (%s)\n", chain.Receipt.ID, chain.Receipt.ExecutorID, chain.Receipt.ExecutorType)
				}
				fmt.Printf("chain status    %s\n", chain.ChainStatus)
				return nil
			})
		},
	}
	return cmd
}

func bundleCmd() *cobra.Command {
	bundle := &cobra.Command{Use: "bundle", Short: "Proof bundles"}
	bundle.AddCommand(bundleRegisterCmd())
	bundle.AddCommand(bundleVerifyCmd())
	return bundle
}

func bundleRegisterCmd() *cobra.Command {
	var opts engine.BundleOptions
	var content string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a proof bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, cfg *config.Config) error {
				if opts.EnterpriseID == "" {
					opts.EnterpriseID = cfg.Enterprise.ID
				}
				var err error
				if opts.Content, err = parseJSONObject(content, "content"); err != nil {
					return err
				}
				opts.ActorID = viper.GetString("actor-id")
				b, err := svc.Verify.RegisterBundle(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EnterpriseID, "enterprise-id", "", "owning enterprise (defaults to config)")
	cmd.Flags().StringVar(&opts.DTID, "dt-id", "", "decision token the bundle evidences")
	cmd.Flags().StringVar(&content, "content", "", "bundle content JSON object")
	cmd.Flags().StringVar(&opts.PolicySnapshotDigest, "policy-snapshot-digest", "", "policy snapshot digest")
	return cmd
}

func bundleVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <bundle-id>",
		Short: "Re-verify a proof bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				res, err := svc.Verify.VerifyBundle(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("content hash    %s\n", yesNo(res.ContentHashValid))
				fmt.Printf("policy on file  %s\n", yesNo(res.PolicyArtifactFound))
				fmt.Printf("chain valid     %s\n", yesNo(res.ChainValid))
				if res.Valid {
					fmt.Printf("%s: valid\n", args[0])
				} else {
					fmt.Printf("%s: INVALID (%s)\n", args[0], res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	policy := &cobra.Command{Use: "policy", Short: "Policy snapshots"}
	policy.AddCommand(policyRegisterCmd())
	return policy
}

func policyRegisterCmd() *cobra.Command {
	var opts engine.PolicyArtifactOptions
	var content string
	cmd := &cobra.Command{
		Use:   "register <snapshot-id>",
		Short: "Register a policy snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, cfg *config.Config) error {
				opts.SnapshotID = args[0]
				if opts.EnterpriseID == "" {
					opts.EnterpriseID = cfg.Enterprise.ID
				}
				var err error
				if opts.Content, err = parseJSONObject(content, "content"); err != nil {
					return err
				}
				opts.ActorID = viper.GetString("actor-id")
				p, err := svc.Verify.RegisterPolicyArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EnterpriseID, "enterprise-id", "", "owning enterprise (defaults to config)")
	cmd.Flags().StringVar(&content, "content", "", "policy content JSON object")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <bundle-id>",
		Short: "Compliance report for a proof bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, _ *config.Config) error {
				report, err := svc.Verify.GenerateReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question", "Answer"})
				tw.AppendRow(table.Row{"Which tool?", report.Answers.WhichTool})
				tw.AppendRow(table.Row{"Which version?", report.Answers.WhichVersion})
				tw.AppendRow(table.Row{"Under which policy?", report.Answers.WhichPolicy})
				tw.AppendRow(table.Row{"With what proof?", report.Answers.WhatProof})
				tw.Render()
				fmt.Printf("verification: %s\n", yesNo(report.Verification.Valid))
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc engine.Services, cfg *config.Config) error {
				events, err := svc.Tokens.Repo.LatestEvents(ctx, n, cfg.Enterprise.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				plaintext := "glk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        "key-" + uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("API key created for %s (shown once):\n%s\n", actorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for-actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for-actor", "", "filter by actor")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			signers, err := cfg.BuildSigners()
			if err != nil {
				return err
			}
			svc := engine.NewServices(conn, cfg, signers)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GRANTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GRANTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Services: svc, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(repo.Repo{DB: conn}, cfg)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Grantline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withServices(ctx context.Context, fn func(context.Context, engine.Services, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	signers, err := cfg.BuildSigners()
	if err != nil {
		return err
	}
	return fn(ctx, engine.NewServices(conn, cfg, signers), cfg)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseJSONObject(raw, flag string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return obj, nil
}

func printJSONOrDump(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
