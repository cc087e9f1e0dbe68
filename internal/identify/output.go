package identify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/sigreer/stubos/internal/apfs"
)

// PrintJSON outputs v as indented JSON
func PrintJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintTable outputs the lookup result as a formatted table
func PrintTable(w io.Writer, result *LookupResult) {
	fmt.Fprintf(w, "Query:      %s\n", result.Query)
	fmt.Fprintf(w, "Matched As: %s\n", result.MatchedAs)
	fmt.Fprintf(w, "OS:         %s\n", result.OS)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-20s %s\n", "FIELD", "VALUE")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	o := result.OS
	printField(w, "Kind", string(o.Kind()))
	if o.Partition != nil {
		printField(w, "Partition", o.Partition.Name)
	}
	printField(w, "VGID", o.VGID)
	printField(w, "Label", o.Label)
	printField(w, "Version", o.Version)
	printField(w, "System Volume", o.SysVolume)

	// Mount points
	printField(w, "System", o.System)
	printField(w, "Data", o.Data)
	if o.DataErr != nil {
		printField(w, "Data Error", o.DataErr.Error())
	}
	printField(w, "Preboot", o.Preboot)
	printField(w, "Recovery", o.Recovery)

	if o.Stub {
		printField(w, "Stub", "yes")
	}
	printField(w, "m1n1", o.BootloaderVersion)
	printField(w, "Recovery VGID", o.RecoveryVGID)

	if o.BootPolicy != nil {
		printPtrField(w, "Custom Image", o.BootPolicy.CustomImageHash)
		printPtrField(w, "Boot Dir", o.BootPolicy.NonSecureImageHash)
	}
}

// printField prints a field if value is non-empty
func printField(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%-20s %s\n", label, value)
	}
}

// printPtrField prints a pointer field if non-nil
func printPtrField(w io.Writer, label string, value *string) {
	if value != nil && *value != "" {
		fmt.Fprintf(w, "%-20s %s\n", label, *value)
	}
}

// PrintQuiet outputs only the volume group id
func PrintQuiet(w io.Writer, result *LookupResult) {
	fmt.Fprintln(w, result.OS.VGID)
}

// PrintList outputs every partition with the OSes found on it
func PrintList(w io.Writer, parts []*apfs.Partition) {
	for i, p := range parts {
		if p.Free {
			fmt.Fprintf(w, "%d: (free space: %s)\n", i+1, humanize.IBytes(p.Size))
			continue
		}

		name := p.Name
		if p.Label != "" {
			name = fmt.Sprintf("%s [%s]", p.Name, p.Label)
		}
		fmt.Fprintf(w, "%d: %s (%s, %s)\n", i+1, name, p.Type, humanize.IBytes(p.Size))

		if p.Container == nil {
			continue
		}
		if len(p.OS) == 0 {
			fmt.Fprintln(w, "   No OS")
			continue
		}
		for _, osi := range p.OS {
			fmt.Fprintf(w, "   OS: %s\n", osi)
		}
	}
}
