package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ioerror/vula/pkg/api"
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Inspect and edit peers",
}

var peerWhichFlag string

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.ListPeers(cmd.Context(), peerWhichFlag)
		if err != nil {
			return fmt.Errorf("failed to list peers: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			if len(resp.Peers) == 0 {
				fmt.Fprintln(w, "No peers.")
				return
			}
			rows := make([][]string, 0, len(resp.Peers))
			for _, p := range resp.Peers {
				rows = append(rows, []string{
					p.Name, p.PrimaryIP, p.Endpoint,
					yesNo(p.Enabled), yesNo(p.Pinned), yesNo(p.Verified), yesNo(p.Gateway), p.ID,
				})
			}
			table(w, []string{"NAME", "PRIMARY", "ENDPOINT", "ENABLED", "PINNED", "VERIFIED", "GATEWAY", "ID"}, rows)
		})
	},
}

var peerShowCmd = &cobra.Command{
	Use:   "show <id|name|ip>",
	Short: "Show one peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.GetPeer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) {
			fmt.Fprint(w, resp.Show)
			if !strings.HasSuffix(resp.Show, "\n") {
				fmt.Fprintln(w)
			}
		})
	},
}

var peerDescriptorCmd = &cobra.Command{
	Use:   "descriptor <id|name|ip>",
	Short: "Print the latest descriptor of a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.PeerDescriptor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) { fmt.Fprintln(w, resp.Descriptor) })
	},
}

var peerLookupCmd = &cobra.Command{
	Use:   "lookup <hostname>",
	Short: "Find the peer that announces a hostname",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.LookupName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) { fmt.Fprintln(w, resp.ID) })
	},
}

var peerImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Process descriptors, one per line",
	Long: `Process descriptors in their wire form, one per line, as if they had
been discovered on the network. "-" reads standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open descriptor file: %w", err)
			}
			defer f.Close()
			in = f
		}

		var results []*api.ResultInfo
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			res, err := apiClient.ProcessDescriptor(cmd.Context(), line)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read descriptors: %w", err)
		}
		return render(cmd, results, func(w io.Writer) {
			for _, r := range results {
				fmt.Fprintln(w, r.Summary)
			}
		})
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:     "remove <id|name|ip>",
	Aliases: []string{"rm"},
	Short:   "Forget a peer",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.RemovePeer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

var peerSetCmd = &cobra.Command{
	Use:   "set <id> <path>... <value>",
	Short: "Set a field below a peer",
	Example: `  vula peer set <id> pinned true
  vula peer set <id> nicknames alice.local. true`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[1 : len(args)-1]
		res, err := apiClient.SetPeer(cmd.Context(), args[0], path, parseValue(args[len(args)-1]))
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

var peerAddrCmd = &cobra.Command{
	Use:   "addr",
	Short: "Manage the addresses of a peer",
}

var peerAddrAddCmd = &cobra.Command{
	Use:   "add <id> <ip>",
	Short: "Enable an address for a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.PeerAddrAdd(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

var peerAddrDelCmd = &cobra.Command{
	Use:   "del <id> <ip>",
	Short: "Forget an address of a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.PeerAddrDel(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

var peerVerifyCmd = &cobra.Command{
	Use:   "verify <id> <hostname>",
	Short: "Mark a peer verified and pinned",
	Long: `Mark a peer verified and pinned. The hostname must be the one the peer
currently announces, which guards against verifying the wrong key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.VerifyAndPin(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return renderResult(cmd, res)
	},
}

func init() {
	peerListCmd.Flags().StringVar(&peerWhichFlag, "which", "all", "peers to list: all, enabled or disabled")

	peerAddrCmd.AddCommand(peerAddrAddCmd, peerAddrDelCmd)
	peerCmd.AddCommand(
		peerListCmd,
		peerShowCmd,
		peerDescriptorCmd,
		peerLookupCmd,
		peerImportCmd,
		peerRemoveCmd,
		peerSetCmd,
		peerAddrCmd,
		peerVerifyCmd,
	)
	rootCmd.AddCommand(peerCmd)
}
