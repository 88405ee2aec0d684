package main

import (
	"fmt"

	"evidence-custody/internal/app"
	"evidence-custody/internal/domain/model"

	"github.com/spf13/cobra"
)

func (c *cli) custodyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "custody",
		Short: "Append to and verify chains of custody",
	}
	cmd.AddCommand(c.custodyAppendCmd(), c.custodyListCmd(), c.custodyVerifyCmd())
	return cmd
}

func (c *cli) custodyAppendCmd() *cobra.Command {
	var actor, metaJSON string
	cmd := &cobra.Command{
		Use:   "append <evidence-id> <action>",
		Short: "Append a custody entry (RECEIVED, ACCESSED, TRANSFERRED, ANALYZED, DESTROYED or free text)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := model.DecodeMetadata([]byte(metaJSON))
			if err != nil {
				return model.Invalid("metadata", "metadata must be a JSON object")
			}
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				entry := rt.Evidence.Factory().NewEntry("", args[0], args[1], actor, metadata)
				ev, err := rt.Evidence.AppendCustodyEntry(cmd.Context(), args[0], entry)
				if err != nil {
					return err
				}
				last := ev.ChainOfCustody[len(ev.ChainOfCustody)-1]
				return c.emit(last, func() {
					fmt.Printf("evidence_id=%s entry=%d action=%s actor=%s at=%s version=%d\n",
						ev.ID, len(ev.ChainOfCustody)-1, last.Action, last.Actor, fmtTime(last.Timestamp), ev.Version)
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor (required)")
	cmd.Flags().StringVar(&metaJSON, "metadata", "", `entry metadata as JSON object, e.g. {"to":"lab"}`)
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func (c *cli) custodyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <evidence-id>",
		Short: "Print the chain of custody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ev, err := rt.Evidence.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(ev.ChainOfCustody, func() {
					fmt.Printf("evidence_id=%s entries=%d\n", ev.ID, len(ev.ChainOfCustody))
					printChain(ev.ChainOfCustody)
				})
			})
		},
	}
}

func (c *cli) custodyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <evidence-id>",
		Short: "Verify ordering and transitions of the chain of custody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ev, res, err := rt.Evidence.VerifyChain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"evidence_id":        ev.ID,
					"valid":              res.Valid,
					"errors":             res.Errors,
					"integrity_verified": ev.IntegrityVerified,
				}
				if err := c.emit(out, func() {
					fmt.Printf("evidence_id=%s valid=%t errors=%d integrity_verified=%t\n",
						ev.ID, res.Valid, len(res.Errors), ev.IntegrityVerified)
					for _, msg := range res.Errors {
						fmt.Printf("FAIL %s\n", msg)
					}
				}); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("chain of custody invalid")
				}
				return nil
			})
		},
	}
}
