package main

import (
	"fmt"

	"evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/app"
	"evidence-custody/internal/services/auditverify"
	"evidence-custody/internal/services/export"
	"evidence-custody/internal/services/webapp"

	"github.com/spf13/cobra"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				applied, err := sqlite.NewMigrator(rt.DB).Applied(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("db=%s migrations=%d\n", rt.Config.DBPath, len(applied))
				for _, name := range applied {
					fmt.Printf("applied=%s\n", name)
				}
				return nil
			})
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = c.cfg.ListenAddr
			}
			rt, err := app.Open(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.Logger.Info("http api listening", "addr", listen)
			return webapp.Run(cmd.Context(), rt, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default listen_addr)")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate chain of custody reports",
	}

	var format, operator string
	gen := &cobra.Command{
		Use:   "generate <case>",
		Short: "Render a case report (text|html|json|pdf)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				res, err := rt.Reports.Generate(cmd.Context(), args[0], format, operator)
				if err != nil {
					return err
				}
				return c.emit(res, func() {
					fmt.Printf("report_id=%s case_number=%s format=%s path=%s sha256=%s size=%d\n",
						res.ReportID, res.CaseNumber, res.Format, res.Path, res.SHA256, res.SizeBytes)
					fmt.Printf("evidence=%d integrity_failures=%d invalid_chains=%d\n",
						res.Summary.EvidenceCount, res.Summary.IntegrityFailures, res.Summary.InvalidChains)
				})
			})
		},
	}
	gen.Flags().StringVar(&format, "format", "text", "text|html|json|pdf")
	gen.Flags().StringVar(&operator, "operator", "", "operator recorded in the report")

	list := &cobra.Command{
		Use:   "list <case>",
		Short: "List registered reports of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				rows, err := rt.Reports.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(rows, func() {
					fmt.Printf("reports=%d\n", len(rows))
					for _, r := range rows {
						fmt.Printf("report_id=%s type=%s sha256=%s path=%s\n", r.ReportID, r.ReportType, r.SHA256, r.FilePath)
					}
				})
			})
		},
	}

	cmd.AddCommand(gen, list)
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export case bundles",
	}
	var operator, note string
	bundle := &cobra.Command{
		Use:   "bundle <case>",
		Short: "Write a ZIP with manifest, reports and hashes.sha256",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				res, err := rt.Exporter.Bundle(cmd.Context(), args[0], operator, note)
				if err != nil {
					return err
				}
				return c.emit(res, func() {
					fmt.Printf("case_number=%s report_id=%s zip=%s sha256=%s warnings=%d\n",
						res.CaseNumber, res.ReportID, res.ZipPath, res.ZipSHA256, len(res.Warnings))
					for _, w := range res.Warnings {
						fmt.Printf("WARN %s\n", w)
					}
				})
			})
		},
	}
	bundle.Flags().StringVar(&operator, "operator", "", "operator")
	bundle.Flags().StringVar(&note, "note", "", "note stored in manifest.json")
	cmd.AddCommand(bundle)
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit chains and exported bundles",
	}

	audits := &cobra.Command{
		Use:   "audits <case>",
		Short: "Verify the hash-chained audit log of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				logs, err := rt.Store.ListAuditLogs(cmd.Context(), cs.ID, 5000)
				if err != nil {
					return err
				}
				res := auditverify.VerifyAuditLogs(logs)
				if err := c.emit(res, func() { printAuditResult(cs.CaseNumber, res) }); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("audit chain verification failed")
				}
				return nil
			})
		},
	}

	bundle := &cobra.Command{
		Use:   "bundle <zip>",
		Short: "Recheck hashes.sha256 and the audit chain inside an exported bundle",
		Args:  cobra.ExactArgs(1),
		// 只读 ZIP，不需要数据库
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := export.VerifyBundle(args[0])
			if err != nil {
				return err
			}
			if err := c.emit(res, func() {
				fmt.Printf("zip=%s total=%d ok=%d failed=%d\n", res.Path, res.Total, res.OK, res.Failed)
				for _, f := range res.Files {
					if f.Status == "ok" {
						continue
					}
					fmt.Printf("FAIL path=%s status=%s expected=%s actual=%s\n", f.Path, f.Status, f.Expected, dash(f.Actual))
				}
				if res.Audit == nil {
					fmt.Println("FAIL manifest.json missing or unreadable")
					return
				}
				printAuditResult("", *res.Audit)
			}); err != nil {
				return err
			}
			if !res.Valid() {
				return fmt.Errorf("bundle verification failed")
			}
			return nil
		},
	}

	cmd.AddCommand(audits, bundle)
	return cmd
}

func printAuditResult(caseNumber string, res auditverify.Result) {
	fmt.Printf("case_number=%s audits=%d ok=%t failed=%d broken_at=%d prev_hash_failed=%d chain_hash_failed=%d last_chain_hash=%s\n",
		dash(caseNumber), res.Total, res.OK, res.Failed, res.BrokenAt, res.PrevHashFailed, res.ChainHashFailed, dash(res.LastChainHash))
	for _, f := range res.Failures {
		fmt.Printf("FAIL index=%d event_id=%s action=%s %s\n", f.Index, f.EventID, f.Action, f.Message)
	}
}
