package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/edwinchan129/texbot/texbot"
	"github.com/spf13/cobra"
)

var importGroupMembersCmd = &cobra.Command{
	Use:   "import-group-members [file]",
	Short: "Import society member IDs for /make_member, one per line (stdin if no file is given)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				log.Fatalf("error opening %s: %v", args[0], err)
			}
			defer f.Close()
			r = f
		}
		ids, err := readGroupMemberIDs(r)
		if err != nil {
			log.Fatalf("error reading IDs: %v", err)
		}
		if err = texbot.ValidateGroupMemberIDs(ids, cfg.Guild.GroupIDLength); err != nil {
			log.Fatalf("error reading IDs: %v", err)
		}

		db, err := texbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		added, err := texbot.ImportGroupMembers(ctx, db, ids)
		if err != nil {
			log.Fatalf("error importing IDs: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "read %d IDs, added %d\n", len(ids), added)
	},
}

// readGroupMemberIDs reads one ID per line. Blank lines and lines
// starting with '#' are skipped.
func readGroupMemberIDs(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, scanner.Err()
}

func init() {
	rootCmd.AddCommand(importGroupMembersCmd)
}
