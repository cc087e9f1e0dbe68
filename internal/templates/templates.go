package templates

import (
	"embed"
	"strings"
)

//go:embed step2.sh IAPhysicalMedia.plist
var files embed.FS

// VGIDPlaceholder is replaced with the volume group id when step2.sh is
// rendered
const VGIDPlaceholder = "##VGID##"

// Read returns an embedded template
func Read(name string) ([]byte, error) {
	return files.ReadFile(name)
}

// Step2 renders the second-stage script for a volume group
func Step2(vgid string) ([]byte, error) {
	data, err := files.ReadFile("step2.sh")
	if err != nil {
		return nil, err
	}
	return []byte(strings.ReplaceAll(string(data), VGIDPlaceholder, vgid)), nil
}

// PhysicalMedia returns the .IAPhysicalMedia marker for the System volume
func PhysicalMedia() ([]byte, error) {
	return files.ReadFile("IAPhysicalMedia.plist")
}
