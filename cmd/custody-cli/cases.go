package main

import (
	"fmt"
	"strings"

	"evidence-custody/internal/app"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/cases"

	"github.com/spf13/cobra"
)

func (c *cli) caseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
	}
	cmd.AddCommand(
		c.caseCreateCmd(),
		c.caseGetCmd(),
		c.caseListCmd(),
		c.caseStatusCmd(),
		c.caseAssignCmd(),
		c.caseArchiveCmd(),
		c.caseNoteCmd(),
	)
	return cmd
}

func (c *cli) caseCreateCmd() *cobra.Command {
	var in cases.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Create(cmd.Context(), in)
				if err != nil {
					return err
				}
				return c.emit(cs, func() { printCase(cs) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "case title (required)")
	f.StringVar(&in.Description, "description", "", "case description")
	f.StringVar(&in.ClientName, "client", "", "client name")
	f.StringVar(&in.Priority, "priority", "", "LOW|MEDIUM|HIGH|URGENT")
	f.StringVar(&in.AssignedTo, "assign", "", "assignee")
	f.StringVar(&in.CreatedBy, "operator", "", "operator recorded as creator")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (c *cli) caseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <case-id|case-number>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(cs, func() {
					printCase(cs)
					for _, id := range cs.EvidenceIDs {
						fmt.Printf("evidence=%s\n", id)
					}
					for _, n := range cs.Notes {
						fmt.Printf("note=%s author=%s at=%s body=%q\n", n.ID, n.Author, fmtTime(n.CreatedAt), n.Body)
					}
				})
			})
		},
	}
}

func (c *cli) caseListCmd() *cobra.Command {
	var (
		status   string
		archived bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.CaseFilter{IncludeArchived: archived, Limit: limit}
			if strings.TrimSpace(status) != "" {
				st, ok := model.ParseCaseStatus(status)
				if !ok {
					return model.Invalid("status", "unknown case status: "+status)
				}
				filter.Status = st
			}
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				rows, err := rt.Cases.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return c.emit(rows, func() {
					fmt.Printf("cases=%d\n", len(rows))
					for i := range rows {
						printCase(&rows[i])
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived cases")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func (c *cli) caseStatusCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "status <case> <status>",
		Short: "Change case status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cs, err = rt.Cases.UpdateStatus(cmd.Context(), cs.ID, args[1], actor)
				if err != nil {
					return err
				}
				return c.emit(cs, func() { printCase(cs) })
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator")
	return cmd
}

func (c *cli) caseAssignCmd() *cobra.Command {
	var priority, assignee, actor string
	cmd := &cobra.Command{
		Use:   "assign <case>",
		Short: "Change case priority and assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cs, err = rt.Cases.UpdateAssignment(cmd.Context(), cs.ID, priority, assignee, actor)
				if err != nil {
					return err
				}
				return c.emit(cs, func() { printCase(cs) })
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "LOW|MEDIUM|HIGH|URGENT")
	cmd.Flags().StringVar(&assignee, "to", "", "assignee")
	cmd.Flags().StringVar(&actor, "actor", "", "operator")
	return cmd
}

func (c *cli) caseArchiveCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "archive <case>",
		Short: "Archive a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cs, err = rt.Cases.Archive(cmd.Context(), cs.ID, actor)
				if err != nil {
					return err
				}
				return c.emit(cs, func() { printCase(cs) })
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator")
	return cmd
}

func (c *cli) caseNoteCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "note <case> <text>",
		Short: "Append a note to a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				cs, err := rt.Cases.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				n, err := rt.Cases.AddNote(cmd.Context(), cs.ID, author, args[1])
				if err != nil {
					return err
				}
				return c.emit(n, func() {
					fmt.Printf("note_id=%s case_id=%s author=%s\n", n.ID, n.CaseID, n.Author)
				})
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "note author")
	return cmd
}

func printCase(cs *model.Case) {
	fmt.Printf("case_id=%s case_number=%s status=%s priority=%s assigned_to=%s evidence=%d title=%q\n",
		cs.ID, cs.CaseNumber, cs.Status, cs.Priority, dash(cs.AssignedTo), len(cs.EvidenceIDs), cs.Title)
}
