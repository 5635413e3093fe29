package main

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/joshuapare/memkit/mem"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "Print the size class table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, size := range mem.DefaultSizeClasses {
				fmt.Printf("%4d pages  %8s\n", size, humanize.IBytes(uint64(size*mem.PageSize)))
			}
			fmt.Printf("small-request threshold: %s\n", humanize.IBytes(uint64(mem.MaxMallocBytes)))
			return nil
		},
	}
}
