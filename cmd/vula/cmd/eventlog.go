package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioerror/vula/pkg/api"
)

var eventLogParams api.EventLogParams

var eventLogCmd = &cobra.Command{
	Use:   "eventlog",
	Short: "List recorded organize transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.EventLog(cmd.Context(), eventLogParams)
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			if len(resp.Entries) == 0 {
				fmt.Fprintln(w, "No recorded events.")
				return
			}
			rows := make([][]string, 0, len(resp.Entries))
			for _, e := range resp.Entries {
				status := "ok"
				if e.Result.ErrorCode != "" {
					status = e.Result.ErrorCode
				} else if e.Result.Error != "" {
					status = "error"
				}
				rows = append(rows, []string{
					e.Result.Time.Local().Format(time.DateTime), e.Result.Event, status, e.Result.Line, e.Result.ID,
				})
			}
			table(w, []string{"TIME", "EVENT", "STATUS", "SUMMARY", "ID"}, rows)
			fmt.Fprintf(w, "%d of %d\n", len(resp.Entries), resp.Total)
		})
	},
}

var eventShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded transaction in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.Event(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) { fmt.Fprint(w, res.YAML()) })
	},
}

func init() {
	eventLogCmd.Flags().StringVar(&eventLogParams.Event, "event", "", "only this event name, e.g. INCOMING_DESCRIPTOR")
	eventLogCmd.Flags().BoolVar(&eventLogParams.ErrorsOnly, "errors", false, "only failed transactions")
	eventLogCmd.Flags().IntVarP(&eventLogParams.Limit, "limit", "n", 20, "newest entries to show, 0 for all")

	eventLogCmd.AddCommand(eventShowCmd)
	rootCmd.AddCommand(eventLogCmd)
}
