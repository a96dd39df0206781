package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

var (
	historyLimit int
	historyJSON  bool
	cleanDays    int
)

var historyCmd = &cobra.Command{
	Use:   "history [task]",
	Short: "Show recorded task executions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  historyRun,
}

var statsCmd = &cobra.Command{
	Use:   "stats <task>",
	Short: "Show execution statistics for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  statsRun,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete execution records older than --days",
	RunE:  cleanRun,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum records to show (0 means all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
	statsCmd.Flags().BoolVar(&historyJSON, "json", false, "print stats as JSON")
	cleanCmd.Flags().IntVar(&cleanDays, "days", app.DefaultRetentionDays, "keep records from the last N days")
}

// openStore opens the history backend named by the config without starting
// anything else.
func openStore() (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole("warn").With(logx.String("comp", "storage"))
	if sc.Driver == "memory" {
		log.Warn("storage.driver is memory; no history survives between processes")
	}
	return storage.Open(sc, log)
}

func historyRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	q := storage.Query{Limit: historyLimit}
	if len(args) == 1 {
		q.TaskName = args[0]
	}
	recs, err := st.ListExecutions(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if historyJSON {
		return printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "EXECUTED\tTASK\tSTATUS\tATTEMPT\tDURATION\tERROR\n")
	for _, r := range recs {
		errText := r.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.ExecutedAt), r.TaskName, r.Status, r.Attempt,
			(time.Duration(r.DurationMS) * time.Millisecond).String(), errText)
	}
	return w.Flush()
}

func statsRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := st.ExecutionStats(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("execution stats: %w", err)
	}
	if historyJSON {
		return printJSON(s)
	}

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Successful) / float64(s.Total) * 100
	}
	last := "never"
	if s.LastExecution != nil {
		last = humanize.Time(*s.LastExecution)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Task:\t%s\n", s.TaskName)
	_, _ = fmt.Fprintf(w, "Total:\t%s\n", humanize.Comma(s.Total))
	_, _ = fmt.Fprintf(w, "Successful:\t%s\n", humanize.Comma(s.Successful))
	_, _ = fmt.Fprintf(w, "Failed:\t%s\n", humanize.Comma(s.Failed))
	_, _ = fmt.Fprintf(w, "Success rate:\t%s%%\n", humanize.FtoaWithDigits(rate, 1))
	_, _ = fmt.Fprintf(w, "Last execution:\t%s\n", last)
	return w.Flush()
}

func cleanRun(cmd *cobra.Command, _ []string) error {
	if cleanDays <= 0 {
		return fmt.Errorf("--days must be > 0")
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Same path as the built-in cleanup task, minus cron and the event bus.
	sched := scheduler.New(scheduler.Config{}, st, nil, logx.Nop(), nil)
	n, err := sched.CleanOldHistory(cmd.Context(), cleanDays)
	if err != nil {
		return fmt.Errorf("clean history: %w", err)
	}
	fmt.Printf("Deleted %s execution records older than %d days.\n", humanize.Comma(n), cleanDays)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
