package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup ARCHIVE ROOT [ROOT...]",
	Short: "Create a fresh archive from one or more file trees",
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

		if err := eng.Backup(cmd.Context(), archivePath, roots); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Printf("Backed up %d root(s) into %s\n", len(roots), archivePath)
		return nil
	},
}

func checkRootsExist(roots []string) error {
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return noFilesErr(fmt.Errorf("root %q: %w", root, err))
		}
	}
	return nil
}
