package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/nhirsama/oslp-adapter/src/datastore"
	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "查看设备记录",
	}

	var page, size int
	list := &cobra.Command{
		Use:   "list",
		Short: "分页列出设备及其注册状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := datastore.Open(cmd.Context(), cfg.Datastore.Driver, cfg.Datastore.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.ListDevices(cmd.Context(), page, size)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFICATION\tUID\tIP\tTYPE\tSTATE\tSEQUENCE")
			for _, d := range devices {
				seq := "-"
				if d.SequenceNumber != nil {
					seq = fmt.Sprint(*d.SequenceNumber)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.DeviceIdentification, d.DeviceUID, d.IPAddress, d.DeviceType, d.RegistrationState(), seq)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&page, "page", 1, "页码, 从 1 开始")
	list.Flags().IntVar(&size, "size", 50, "每页数量")

	cmd.AddCommand(list)
	return cmd
}
