package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/botleague/internal/domain/cohort"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/service"
)

var (
	asJSON bool

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect score ledgers",
	}

	ledgerShowCmd = &cobra.Command{
		Use:   "show <submitter> <bot> <problem>",
		Short: "Print a bot's score history on a problem",
		Args:  cobra.ExactArgs(3),
		RunE:  runLedgerShow,
	}

	cohortCmd = &cobra.Command{
		Use:   "cohort",
		Short: "Inspect and redrive problem CI runs",
	}

	cohortStatusCmd = &cobra.Command{
		Use:   "status <id | pr-number commit>",
		Short: "Print the status of a problem CI run",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCohortStatus,
	}

	cohortReduceCmd = &cobra.Command{
		Use:   "reduce <id>",
		Short: "Run the reduction of a problem CI run again",
		Long: `Runs the fan-in reduction of a problem CI run again. Use it for runs
whose reduction was released after an error, e.g. a ledger write that gave up.
Runs that already passed or failed are left as they are.`,
		Args: cobra.ExactArgs(1),
		RunE: runCohortReduce,
	}
)

func init() {
	ledgerCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")
	cohortCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")
	ledgerCmd.AddCommand(ledgerShowCmd)
	cohortCmd.AddCommand(cohortStatusCmd, cohortReduceCmd)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.ledgers.Get(cmd.Context(), ledger.Ref{Submitter: args[0], BotName: args[1], ProblemID: args[2]})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, l.Summary())
	}
	if len(l.Scores) == 0 {
		_, err := fmt.Fprintf(out, "no scores for %s\n", l.ID)
		return err
	}
	return printLedger(out, l)
}

func printLedger(out io.Writer, l *ledger.Ledger) error {
	s := l.Summary()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "LEDGER\t%s\n", l.ID)
	fmt.Fprintf(w, "SCORES\t%d\n", len(s.Scores))
	fmt.Fprintf(w, "MEAN\t%g\n", s.Mean)
	fmt.Fprintf(w, "MEDIAN\t%g\n", s.Median)
	fmt.Fprintf(w, "MIN / MAX\t%g / %g\n", s.Min, s.Max)
	if s.Stdev != nil {
		fmt.Fprintf(w, "STDEV\t%g\n", *s.Stdev)
	}
	fmt.Fprintf(w, "UPDATED\t%s\n", l.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return w.Flush()
}

func runCohortStatus(cmd *cobra.Command, args []string) error {
	q := service.StatusQuery{ID: args[0]}
	if len(args) == 2 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("pr-number %q: %w", args[0], err)
		}
		q = service.StatusQuery{PRNumber: n, Commit: args[1]}
	}

	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.problemCI.Status(cmd.Context(), q)
	if err != nil {
		return err
	}
	return printCohort(cmd.OutOrStdout(), *v)
}

func runCohortReduce(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.problemCI.Redrive(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printCohort(cmd.OutOrStdout(), c.View())
}

func printCohort(out io.Writer, v cohort.StatusView) error {
	if asJSON {
		return writeJSON(out, v)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tSTATUS\tCREATED\tERROR\n")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Status, v.CreatedAt.Format("2006-01-02 15:04:05 MST"), v.Error)
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
