package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var ioportsCmd = &cobra.Command{
	Use:   "ioports",
	Short: "print the legacy I/O port table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		cs, err := buildChipset(p, nil)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tPORTS\tDEVICE")
		for _, e := range cs.Table().Entries() {
			fmt.Fprintf(w, "%#06x\t%#06x\t%d\t%s\n", e.Range.Start, e.Range.End, e.Range.Len(), e.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(ioportsCmd)
}
