package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var appendCmd = &cobra.Command{
	Use:   "differential-append ARCHIVE ROOT [ROOT...]",
	Short: "Append a new backup-set increment to an existing archive",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		archivePath, roots := args[0], args[1:]
		if err := checkRootsExist(roots); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		if err := eng.DifferentialAppend(cmd.Context(), archivePath, roots); err != nil {
			return fmt.Errorf("differential-append: %w", err)
		}
		fmt.Printf("Appended %d root(s) to %s\n", len(roots), archivePath)
		return nil
	},
}
