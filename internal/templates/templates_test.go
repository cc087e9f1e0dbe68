package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep2(t *testing.T) {
	vgid := "5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F"
	data, err := Step2(vgid)
	require.NoError(t, err)

	script := string(data)
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, `VGID="`+vgid+`"`)
	assert.NotContains(t, script, VGIDPlaceholder)
}

func TestPhysicalMedia(t *testing.T) {
	data, err := PhysicalMedia()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Finish Installation.app")

	_, err = Read("missing.txt")
	assert.Error(t, err)
}
