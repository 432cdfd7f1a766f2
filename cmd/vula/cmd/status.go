package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("organize is not reachable: %w", err)
		}
		return render(cmd, h, func(w io.Writer) {
			fmt.Fprintf(w, "status:   %s\n", h.Status)
			fmt.Fprintf(w, "hostname: %s\n", h.Hostname)
			fmt.Fprintf(w, "id:       %s\n", h.ID)
			fmt.Fprintf(w, "peers:    %d\n", h.Peers)
			names := make([]string, 0, len(h.Components))
			for name := range h.Components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				c := h.Components[name]
				line := fmt.Sprintf("  %s: %s", name, c.Status)
				if c.Message != "" {
					line += " (" + c.Message + ")"
				}
				fmt.Fprintln(w, line)
			}
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Resync every peer with the system",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.Sync(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) {
			fmt.Fprintf(w, "%s (%d peers)\n", resp.Message, resp.Peers)
		})
	},
}

var desiredCmd = &cobra.Command{
	Use:   "desired",
	Short: "Show the WireGuard and route configuration organize wants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := apiClient.Desired(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, d, func(w io.Writer) {
			fmt.Fprintf(w, "interface %s port %d table %d fwmark %d\n", d.Interface, d.Port, d.Table, d.FWMark)
			rows := make([][]string, 0, len(d.Peers))
			for _, p := range d.Peers {
				rows = append(rows, []string{p.Name, p.Endpoint, strings.Join(p.AllowedIPs, ","), p.PublicKey})
			}
			table(w, []string{"NAME", "ENDPOINT", "ALLOWED IPS", "PUBLIC KEY"}, rows)
			for _, r := range d.Routes {
				fmt.Fprintf(w, "route %s\n", r)
			}
		})
	},
}

var releaseGatewayCmd = &cobra.Command{
	Use:   "release-gateway",
	Short: "Stop routing through the current gateway peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.ReleaseGateway(cmd.Context())
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

var ourDescriptorCmd = &cobra.Command{
	Use:   "descriptor",
	Short: "Print the descriptors we announce, by interface",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.OurDescriptors(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) {
			names := make([]string, 0, len(resp.Descriptors))
			for name := range resp.Descriptors {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s: %s\n", name, resp.Descriptors[name])
			}
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vula %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd, desiredCmd, releaseGatewayCmd, ourDescriptorCmd, versionCmd)
}
