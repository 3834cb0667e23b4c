package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tendermint/peerpolicy/config"
	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/libs/log"
)

// peerListsDBID is the name of the database holding saved peer lists.
const peerListsDBID = "peerlists"

// MakeInspectCommand returns the command that prints the saved peer lists.
func MakeInspectCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [transfer-id]",
		Short: "Print saved peer lists",
		Long: `Without arguments, list the transfers with a saved peer list.
With a transfer id, print the saved peers of that transfer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.DefaultDBProvider(&config.DBContext{ID: peerListsDBID, Config: conf})
			if err != nil {
				return fmt.Errorf("opening peer list database: %w", err)
			}
			defer func() {
				if err := db.Close(); err != nil {
					logger.Error("failed to close database", "err", err)
				}
			}()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				transfers, err := peerlist.ResumeTransfers(db)
				if err != nil {
					return err
				}
				for _, id := range transfers {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			peers, err := peerlist.ListResume(db, args[0])
			if err != nil {
				return err
			}
			return printResumePeers(out, peers)
		},
	}
	return cmd
}

func printResumePeers(w io.Writer, peers []peerlist.ResumePeer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tSTATE\tFAILS\tUPLOADED\tDOWNLOADED")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			p.Endpoint,
			resumeState(p),
			p.FailCount,
			humanize.IBytes(uint64(p.Uploaded)<<10),
			humanize.IBytes(uint64(p.Downloaded)<<10),
		)
	}
	return tw.Flush()
}

func resumeState(p peerlist.ResumePeer) string {
	switch {
	case p.Banned:
		return "banned"
	case p.Seed:
		return "seed"
	default:
		return "peer"
	}
}
