package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/stubos/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent install steps and known OSes",
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	historyCmd.Flags().String("install", "", "Show the steps of one install id")
	historyCmd.Flags().Bool("snapshots", false, "Show the OSes seen by previous listings")
}

func runHistory(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	installID, _ := cmd.Flags().GetString("install")
	snapshots, _ := cmd.Flags().GetBool("snapshots")
	cfg := loadConfig()

	database, err := db.New(cfg.Database)
	if err != nil {
		fatalf("Error opening database: %v", err)
	}
	defer database.Close()

	if snapshots {
		printSnapshots(database)
		return
	}

	var events []*db.InstallEvent
	if installID != "" {
		events, err = database.GetInstallEvents(installID)
	} else {
		events, err = database.GetRecentInstallEvents(limit)
	}
	if err != nil {
		fatalf("Error querying events: %v", err)
	}

	if len(events) == 0 {
		fmt.Println("No install events recorded.")
		return
	}

	fmt.Printf("%-16s %-36s %-10s %-18s %s\n", "WHEN", "INSTALL", "PARTITION", "STEP", "DETAILS")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range events {
		part := e.Partition
		if part == "" {
			part = "-"
		}
		fmt.Printf("%-16s %-36s %-10s %-18s %s\n",
			humanize.Time(e.Timestamp), e.InstallID, part, e.Step, e.Details)
	}
}

func printSnapshots(database *db.DB) {
	snaps, err := database.GetSnapshots()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying snapshots: %v\n", err)
		os.Exit(1)
	}
	if len(snaps) == 0 {
		fmt.Println("No OSes recorded. Run 'stubos list' to populate.")
		return
	}

	fmt.Printf("%-10s %-36s %-22s %-10s %s\n", "PARTITION", "VGID", "KIND", "VERSION", "LAST SEEN")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range snaps {
		fmt.Printf("%-10s %-36s %-22s %-10s %s\n",
			s.Partition, s.VGID, s.Kind, s.Version, humanize.Time(s.LastSeen))
	}
}
