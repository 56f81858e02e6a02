package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duparc/duparc/pkg/archive"
)

var restoreSetIndex int
var restoreIterative bool

var restoreCmd = &cobra.Command{
	Use:   "restore ARCHIVE DESTDIR",
	Short: "Extract one backup-set increment from an archive into a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		archivePath, destDir := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if restoreIterative {
			cfg.Dedupe.IterativeResolve = true
		}
		eng, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		setIndex, err := resolveSetIndex(archivePath, restoreSetIndex)
		if err != nil {
			return err
		}

		if err := eng.Restore(cmd.Context(), archivePath, setIndex, destDir); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("Restored backup set %d from %s into %s\n", setIndex, archivePath, destDir)
		return nil
	},
}

func init() {
	restoreCmd.Flags().IntVar(&restoreSetIndex, "set", -1, "Backup-set index to restore, 0-based oldest-first (-1 restores the most recent)")
	restoreCmd.Flags().BoolVar(&restoreIterative, "iterative-resolve", false, "Resolve chunk references with an explicit work stack instead of recursion")
}

// resolveSetIndex turns the CLI's -1-means-latest convention into the
// 0-based index archive.Reader.BackupSets() and engine.Restore expect.
func resolveSetIndex(archivePath string, requested int) (int, error) {
	if requested >= 0 {
		return requested, nil
	}
	r, err := archive.Open(archivePath)
	if err != nil {
		return 0, paramsErr(fmt.Errorf("opening archive: %w", err))
	}
	defer r.Close()

	count := len(r.BackupSets())
	if count == 0 {
		return 0, noFilesErr(fmt.Errorf("archive %q has no backup sets", archivePath))
	}
	return count - 1, nil
}
