package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/bootpolicy"
	"github.com/sigreer/stubos/internal/config"
	"github.com/sigreer/stubos/internal/db"
	"github.com/sigreer/stubos/internal/diskutil"
	"github.com/sigreer/stubos/internal/identify"
	"github.com/sigreer/stubos/internal/osenum"
	"github.com/sigreer/stubos/internal/sysinfo"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List partitions and the operating systems on them",
	Run:   runList,
}

var showCmd = &cobra.Command{
	Use:   "show <query>",
	Short: "Show one OS by volume group id, label, volume or partition",
	Long: `Look up one operating system on the system disk.

Examples:
  stubos show 5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F   # volume group id
  stubos show "Macintosh HD"                         # label
  stubos show disk3s1                                # System volume
  stubos show disk0s4                                # partition`,
	Args: cobra.ExactArgs(1),
	Run:  runShow,
}

var bootpolicyCmd = &cobra.Command{
	Use:   "bootpolicy <vgid>",
	Short: "Show the boot policy of a volume group",
	Args:  cobra.ExactArgs(1),
	Run:   runBootpolicy,
}

func init() {
	listCmd.Flags().Bool("json", false, "Output as JSON")

	showCmd.Flags().StringP("output", "o", "table", "Output format: json, table")
	showCmd.Flags().BoolP("quiet", "q", false, "Only output the volume group id")
}

// session is one enumeration of the system disk
type session struct {
	cfg   *config.Config
	sys   *sysinfo.Info
	dutil *diskutil.DiskUtil
	enum  *osenum.Enumerator
	parts []*apfs.Partition
	oses  []*apfs.OSInfo
}

func discover(cfg *config.Config) (*session, error) {
	sys, err := sysinfo.Load(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to read system info: %w", err)
	}

	dutil := diskutil.New()
	if err := dutil.Refresh(); err != nil {
		return nil, err
	}

	disk := cfg.SystemDisk
	if disk == "" {
		if disk, err = dutil.FindSystemDisk(); err != nil {
			return nil, err
		}
	}
	logrus.Infof("System disk: %s", disk)

	parts, err := dutil.Partitions(disk)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:   cfg,
		sys:   sys,
		dutil: dutil,
		enum:  osenum.New(sys, dutil, bootpolicy.NewReader()),
		parts: parts,
	}
	if err := s.enum.Collect(parts); err != nil {
		return nil, err
	}
	for _, p := range parts {
		s.oses = append(s.oses, p.OS...)
	}
	return s, nil
}

func recordSnapshots(cfg *config.Config, oses []*apfs.OSInfo) {
	database, err := db.New(cfg.Database)
	if err != nil {
		logrus.Warnf("Journal unavailable: %v", err)
		return
	}
	defer database.Close()

	if err := database.RecordSnapshots(oses); err != nil {
		logrus.Warnf("Failed to record snapshot: %v", err)
	}
}

func runList(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := loadConfig()

	s, err := discover(cfg)
	if err != nil {
		fatalf("Error: %v", err)
	}
	recordSnapshots(cfg, s.oses)

	if jsonOut {
		out := make([]*apfs.OSInfo, 0, len(s.oses))
		out = append(out, s.oses...)
		if err := identify.PrintJSON(os.Stdout, out); err != nil {
			fatalf("Error encoding output: %v", err)
		}
		return
	}

	identify.PrintList(os.Stdout, s.parts)
}

func runShow(cmd *cobra.Command, args []string) {
	query := args[0]
	outputFmt, _ := cmd.Flags().GetString("output")
	quiet, _ := cmd.Flags().GetBool("quiet")
	cfg := loadConfig()

	s, err := discover(cfg)
	if err != nil {
		fatalf("Error: %v", err)
	}

	result, err := identify.NewOSIndex(s.oses).Find(query)
	if err != nil {
		fatalf("%s: %v", query, err)
	}

	if quiet {
		identify.PrintQuiet(os.Stdout, result)
		return
	}

	switch outputFmt {
	case "json":
		if err := identify.PrintJSON(os.Stdout, result); err != nil {
			fatalf("Error encoding output: %v", err)
		}
	default:
		identify.PrintTable(os.Stdout, result)
	}
}

func runBootpolicy(cmd *cobra.Command, args []string) {
	loadConfig()

	policy, err := bootpolicy.NewReader().Query(args[0])
	if err != nil {
		fatalf("Error: %v", err)
	}

	if err := identify.PrintJSON(os.Stdout, policy); err != nil {
		fatalf("Error encoding output: %v", err)
	}
}
