package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient.Prefs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read prefs: %w", err)
		}
		return render(cmd, p, func(w io.Writer) {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			_ = enc.Encode(p)
			_ = enc.Close()
		})
	},
}

func prefEditCmd(op, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pref> <value>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient.EditPref(cmd.Context(), op, args[0], parseValue(args[1]))
			if err != nil {
				return err
			}
			return renderResult(cmd, res)
		},
	}
}

var editCmd = &cobra.Command{
	Use:   "edit <SET|ADD|REMOVE> <path>... <value>",
	Short: "Apply one raw write to the organize state",
	Example: `  vula edit SET prefs pin_new_peers true
  vula edit ADD prefs iface_prefix_allowed wlan`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := strings.ToUpper(args[0])
		path := args[1 : len(args)-1]
		res, err := apiClient.Edit(cmd.Context(), op, path, parseValue(args[len(args)-1]))
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

func init() {
	prefsCmd.AddCommand(
		prefEditCmd("SET", "set", "Set a preference"),
		prefEditCmd("ADD", "add", "Add a value to a list preference"),
		prefEditCmd("REMOVE", "remove", "Remove a value from a list preference"),
	)
	rootCmd.AddCommand(prefsCmd, editCmd)
}
