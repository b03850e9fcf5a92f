package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, devices, err := a.newSession()
			if err != nil {
				return err
			}
			defer session.Close()

			list, err := devices.EnumerateDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "KIND\tID\tLABEL\n")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Kind, d.DeviceID, d.Label)
			}
			return w.Flush()
		},
	}
}
