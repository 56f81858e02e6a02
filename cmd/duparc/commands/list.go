package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/duparc/duparc/pkg/archive"
)

var listCmd = &cobra.Command{
	Use:   "list ARCHIVE",
	Short: "List an archive's backup-set increments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archivePath := args[0]

		r, err := archive.Open(archivePath)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		defer r.Close()

		sets := r.BackupSets()
		if len(sets) == 0 {
			return noFilesErr(fmt.Errorf("archive %q has no backup sets", archivePath))
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Set", "Created", "Files", "Payload"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)

		for i, set := range sets {
			created := time.UnixMilli(int64(set.TimestampMs)).Format(time.RFC3339)
			table.Append([]string{
				strconv.Itoa(i),
				created,
				strconv.FormatUint(set.FileCount, 10),
				humanize.Bytes(set.TotalPayload),
			})
		}
		table.Render()
		return nil
	},
}
