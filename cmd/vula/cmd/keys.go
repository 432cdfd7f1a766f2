package cmd

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ioerror/vula/internal/keys"
)

type publicKeys struct {
	ID          string `json:"id"`
	WGPublicKey string `json:"wg_public_key"`
	KEMPublic   string `json:"kem_public_key"`
	File        string `json:"file"`
}

var keysCreateFlag bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print the public half of the host keys",
	Long: `Print the public half of the host keys read from organize.keys_file.
This reads the file directly and does not need the daemon.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := keys.NewManager(log)
		path := cfg.Organize.KeysFile

		var (
			k   *keys.Keys
			err error
		)
		if keysCreateFlag {
			k, err = m.LoadOrCreate(path)
		} else {
			k, err = m.Load(path)
		}
		if err != nil {
			return err
		}

		pub := publicKeys{
			ID:          k.ID(),
			WGPublicKey: k.WGPublicKey().String(),
			KEMPublic:   base64.StdEncoding.EncodeToString(k.KEM.PublicKey()),
			File:        path,
		}
		return render(cmd, pub, func(w io.Writer) {
			fmt.Fprintf(w, "id:             %s\n", pub.ID)
			fmt.Fprintf(w, "wg public key:  %s\n", pub.WGPublicKey)
			fmt.Fprintf(w, "kem public key: %s\n", pub.KEMPublic)
		})
	},
}

func init() {
	keysCmd.Flags().BoolVar(&keysCreateFlag, "create", false, "generate the key file if it does not exist")
	rootCmd.AddCommand(keysCmd)
}
