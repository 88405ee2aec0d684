package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-custody/internal/adapters/sidecar"
	"evidence-custody/internal/app"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/evidence"

	"github.com/spf13/cobra"
)

func (c *cli) evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Register and inspect evidence",
	}
	cmd.AddCommand(
		c.evidenceAddCmd(),
		c.evidenceGetCmd(),
		c.evidenceListCmd(),
		c.evidenceReverifyCmd(),
		c.evidenceReverifyFilesCmd(),
		c.evidenceDestroyCmd(),
	)
	return cmd
}

func (c *cli) evidenceAddCmd() *cobra.Command {
	var (
		file, metaFile, actor string
		in                    evidence.CreateInput
	)
	cmd := &cobra.Command{
		Use:   "add <case>",
		Short: "Register a file as evidence (with a RECEIVED entry when --actor is set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("read evidence file: %w", err)
			}
			in.Data = data
			in.SourcePath = abs
			if strings.TrimSpace(in.Name) == "" {
				in.Name = filepath.Base(abs)
			}

			var metadata map[string]any
			if strings.TrimSpace(metaFile) != "" {
				meta, err := sidecar.Load(ctx, metaFile)
				if err != nil {
					return err
				}
				applySidecar(&in, meta)
				if actor == "" {
					actor = meta.Actor
				}
				metadata = meta.CustodyMetadata()
			}
			if in.CreatedBy == "" {
				in.CreatedBy = actor
			}

			return c.withRuntime(ctx, func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				in.CaseID = cs.ID

				var ev *model.Evidence
				if actor != "" {
					ev, err = rt.Evidence.Intake(ctx, in, actor, metadata)
				} else {
					ev, err = rt.Evidence.Create(ctx, in)
				}
				if err != nil {
					return err
				}
				return c.emit(ev, func() { printEvidence(ev) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "evidence file to hash (required)")
	f.StringVar(&metaFile, "meta", "", "sidecar metadata file (.yaml|.yml|.plist)")
	f.StringVar(&actor, "actor", "", "receiving actor; records a RECEIVED custody entry")
	f.StringVar(&in.Name, "name", "", "display name (default: file name)")
	f.StringVar(&in.MimeType, "mime", "", "mime type")
	f.StringVar(&in.Category, "category", "", "category")
	f.StringVar(&in.Description, "description", "", "description")
	f.StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// applySidecar 用 sidecar 内容补齐命令行未给出的字段；命令行参数优先。
func applySidecar(in *evidence.CreateInput, meta *sidecar.Meta) {
	if in.Category == "" {
		in.Category = meta.Category
	}
	if in.Description == "" {
		in.Description = meta.Description
	}
	if in.MimeType == "" {
		in.MimeType = meta.MimeType
	}
	in.Tags = append(in.Tags, meta.Tags...)
}

func (c *cli) evidenceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <evidence-id>",
		Short: "Show evidence and its chain of custody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ev, err := rt.Evidence.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(ev, func() {
					printEvidence(ev)
					printChain(ev.ChainOfCustody)
				})
			})
		},
	}
}

func (c *cli) evidenceListCmd() *cobra.Command {
	var deleted bool
	cmd := &cobra.Command{
		Use:   "list <case>",
		Short: "List evidence of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows, err := rt.Evidence.ListByCase(cmd.Context(), cs.ID, deleted)
				if err != nil {
					return err
				}
				return c.emit(rows, func() {
					fmt.Printf("case_number=%s evidence=%d\n", cs.CaseNumber, len(rows))
					for i := range rows {
						printEvidence(&rows[i])
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include destroyed evidence")
	return cmd
}

func (c *cli) evidenceReverifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "reverify <evidence-id>",
		Short: "Recompute the digest of supplied content and compare with the original",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read evidence file: %w", err)
			}
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ev, err := rt.Evidence.ReverifyIntegrity(cmd.Context(), args[0], data)
				if err != nil {
					return err
				}
				return c.emit(ev, func() {
					printEvidence(ev)
					if !ev.IntegrityVerified {
						fmt.Printf("FAIL evidence=%s original=%s current=%s\n", ev.ID, ev.OriginalHash, ev.CurrentHash)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "content to verify (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) evidenceReverifyFilesCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "reverify-files <case>",
		Short: "Re-hash every evidence source file of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if workers <= 0 {
					workers = rt.Config.Custody.ReverifyWorkers
				}
				checks, err := rt.Evidence.ReverifyFiles(cmd.Context(), cs.ID, workers)
				if err != nil {
					return err
				}
				failed := 0
				for _, ch := range checks {
					if ch.Status != "ok" && ch.Status != "skipped" {
						failed++
					}
				}
				if err := c.emit(checks, func() {
					fmt.Printf("case_number=%s total=%d failed=%d\n", cs.CaseNumber, len(checks), failed)
					for _, ch := range checks {
						if ch.Status == "ok" || ch.Status == "skipped" {
							continue
						}
						fmt.Printf("FAIL evidence=%s status=%s path=%s err=%s\n", ch.EvidenceID, ch.Status, ch.Path, dash(ch.Error))
					}
				}); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d evidence file(s) failed verification", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel hash workers (default custody.reverify_workers)")
	return cmd
}

func (c *cli) evidenceDestroyCmd() *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "destroy <evidence-id>",
		Short: "Soft-delete evidence and record a DESTROYED custody entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ev, err := rt.Evidence.Destroy(cmd.Context(), args[0], actor, reason)
				if err != nil {
					return err
				}
				return c.emit(ev, func() { printEvidence(ev) })
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the custody entry")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func printEvidence(ev *model.Evidence) {
	fmt.Printf("evidence_id=%s case_number=%s name=%q sha256=%s integrity_verified=%t entries=%d deleted=%t version=%d\n",
		ev.ID, ev.CaseNumber, ev.Name, ev.CurrentHash, ev.IntegrityVerified, len(ev.ChainOfCustody), ev.Deleted, ev.Version)
}

func printChain(chain model.ChainOfCustody) {
	for i, e := range chain {
		fmt.Printf("entry=%d at=%s action=%s actor=%s\n", i, fmtTime(e.Timestamp), e.Action, e.Actor)
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
