package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/config"
	"github.com/bamsammich/sdsync/internal/platform"
	"github.com/bamsammich/sdsync/internal/stats"
)

func newImageCmd(_ *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage medium image files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <path> <size>",
		Short: "Create a zero-filled medium image",
		Long: `Create a zero-filled image file to export with "sdsync serve --medium".
Size accepts suffixes such as 512M or 4GiB. An existing file is never
overwritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			size, err := config.ParseSize(args[1])
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			if err := platform.CreateImage(args[0], size); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created %s (%s)\n", args[0], stats.FormatBytes(size))
			return nil
		},
	})
	return cmd
}
