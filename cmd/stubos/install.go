package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/db"
	"github.com/sigreer/stubos/internal/firmware"
	"github.com/sigreer/stubos/internal/identify"
	"github.com/sigreer/stubos/internal/pkgsource"
	"github.com/sigreer/stubos/internal/stub"
)

var installCmd = &cobra.Command{
	Use:   "install <partition>",
	Short: "Install a stub macOS onto an APFS partition",
	Long: `Create the System, Data, Preboot and Recovery volumes a stub macOS needs
on the given APFS partition and populate them from an OS package (IPSW).

The running macOS must be booted from the same system disk. Interrupting
an install may leave the target container partially modified.`,
	Args: cobra.ExactArgs(1),
	Run:  runInstall,
}

func init() {
	installCmd.Flags().String("package", "", "OS package path or URL (overrides config)")
	installCmd.Flags().String("package-version", "", "advertised version of the package, e.g. \"13.5 (22G74)\"")
	installCmd.Flags().String("label", "", "name for the new volumes")
	installCmd.Flags().String("firmware-out", "", "write collected firmware to this tar file")
}

func runInstall(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	source, _ := cmd.Flags().GetString("package")
	if source == "" {
		source = cfg.PackageSource()
	} else {
		source = pkgsource.Rebase(source, cfg.PackageBase)
	}
	if source == "" {
		fatalf("Error: no OS package given (use --package or set package in the config)")
	}
	pkgVersion, _ := cmd.Flags().GetString("package-version")
	if pkgVersion == "" {
		pkgVersion = cfg.PackageVersion
	}
	label, _ := cmd.Flags().GetString("label")
	fwOut, _ := cmd.Flags().GetString("firmware-out")
	if fwOut == "" {
		fwOut = cfg.FirmwareOutput
	}

	s, err := discover(cfg)
	if err != nil {
		fatalf("Error: %v", err)
	}

	cur, err := bootedOS(s)
	if err != nil {
		fatalf("Error: %v", err)
	}
	fmt.Printf("Booted OS: %s\n", cur)

	part := findPartition(s.parts, args[0])
	if part == nil {
		fatalf("Error: partition %s not found on the system disk", args[0])
	}
	if label != "" {
		part.Label = label
	}

	var journal stub.Journal
	database, err := db.New(cfg.Database)
	if err != nil {
		logrus.Warnf("Journal unavailable: %v", err)
	} else {
		defer database.Close()
		journal = database
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	inst, pkg, err := stub.Open(ctx, source, pkgsource.Options{CacheBlocks: cfg.CacheBlocks},
		s.dutil, s.enum, stub.Options{
			Version:      pkgVersion,
			DefaultLabel: cfg.DefaultLabel,
			ResourcesDir: cfg.ResourcesDir,
			Device:       s.sys.Identity,
			Output:       os.Stdout,
			Journal:      journal,
		})
	if err != nil {
		fatalf("Error opening OS package: %v", err)
	}
	defer pkg.Close()
	logrus.Infof("Install %s of %s onto %s", inst.ID(), inst.InstallVersion(), part.Name)

	if err := install(inst, part, cur, fwOut); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		warnf("The install stopped after step %q; %s may have been partially modified.", inst.State(), part.Name)
		pkg.Close()
		os.Exit(1)
	}

	fmt.Println(color.GreenString("Stub OS installed on %s.", part.Name))
	fmt.Printf("  Volume group:  %s\n", inst.OS().VGID)
	fmt.Printf("  Step 2 script: %s\n", inst.Step2Script())
	fmt.Printf("  Boot object:   %s\n", inst.BootObjectPath())
}

func install(inst *stub.Installer, part *apfs.Partition, cur *apfs.OSInfo, fwOut string) error {
	if err := inst.PrepareVolume(part); err != nil {
		return err
	}
	if err := inst.CheckVolume(nil); err != nil {
		return err
	}
	if err := inst.InstallFiles(cur); err != nil {
		return err
	}
	if fwOut == "" {
		return nil
	}

	fw, err := firmware.NewPackage(fwOut)
	if err != nil {
		return err
	}
	if err := inst.CollectFirmware(fw); err != nil {
		fw.Close()
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	fmt.Printf("Firmware package: %s (%d files)\n", fw.Path(), fw.Len())
	return fw.SaveManifest(strings.TrimSuffix(fwOut, ".tar") + ".manifest")
}

// bootedOS finds the running OS among the enumerated ones
func bootedOS(s *session) (*apfs.OSInfo, error) {
	vgid, err := s.dutil.BootedVGID()
	if err != nil {
		return nil, err
	}

	osi, matched, err := identify.NewOSIndex(s.oses).Lookup(vgid)
	if err == nil && matched != identify.MatchVGID {
		err = identify.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, identify.ErrNotFound) {
			return nil, fmt.Errorf("booted OS %s is not on the system disk", vgid)
		}
		return nil, err
	}
	return osi, nil
}

func findPartition(parts []*apfs.Partition, name string) *apfs.Partition {
	name = strings.TrimPrefix(name, "/dev/")
	for _, p := range parts {
		if !p.Free && p.Name == name {
			return p
		}
	}
	return nil
}
