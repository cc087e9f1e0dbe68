package bootpolicy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string {
	return &s
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Policy
	}{
		{
			name: "absent coih",
			in:   "blah (coih): absent\nfoo (nsih): XYZ\n",
			want: &Policy{NonSecureImageHash: strp("XYZ")},
		},
		{
			name: "both set",
			in:   "OS Type: macOS\nLocal Policy Nonce Hash (lpnh): 1234\nCustom OS Image Hash (coih): ABCD\nNon-Secure Image Hash (nsih): EF01\n",
			want: &Policy{CustomImageHash: strp("ABCD"), NonSecureImageHash: strp("EF01")},
		},
		{
			name: "no trailing newline",
			in:   "x (nsih): EF01",
			want: &Policy{NonSecureImageHash: strp("EF01")},
		},
		{
			name: "no tags",
			in:   "OS Type: recoveryOS\n",
			want: &Policy{},
		},
		{
			name: "empty",
			in:   "",
			want: &Policy{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse([]byte(tt.in))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHasCustomImage(t *testing.T) {
	var nilPolicy *Policy
	assert.False(t, nilPolicy.HasCustomImage())
	assert.False(t, (&Policy{}).HasCustomImage())
	assert.False(t, (&Policy{CustomImageHash: strp("")}).HasCustomImage())
	assert.True(t, (&Policy{CustomImageHash: strp("ABCD")}).HasCustomImage())
}

func TestQuery(t *testing.T) {
	vgid := "5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F"
	var gotArgs []string
	r := NewReaderWithRunner(func(name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("Custom (coih): C0FFEE\nNS (nsih): BEEF\n"), nil
	})

	bp, err := r.Query(vgid)
	require.NoError(t, err)
	assert.Equal(t, []string{"bputil", "-d", "-v", vgid}, gotArgs)
	assert.Equal(t, "C0FFEE", *bp.CustomImageHash)
	assert.Equal(t, "BEEF", *bp.NonSecureImageHash)
}

func TestQueryFailure(t *testing.T) {
	r := NewReaderWithRunner(func(name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	})
	_, err := r.Query("5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F")
	assert.Error(t, err)
}

func TestQueryInvalidVGID(t *testing.T) {
	called := false
	r := NewReaderWithRunner(func(name string, args ...string) ([]byte, error) {
		called = true
		return nil, nil
	})
	_, err := r.Query("--help")
	assert.ErrorIs(t, err, ErrInvalidVGID)
	assert.False(t, called)
}

func TestScanMarker(t *testing.T) {
	blob := append([]byte("\x00\x01junk##m1n1_ver##v1.4.11\x00more"), 0xff)
	ver, ok := ScanMarker(blob)
	assert.True(t, ok)
	assert.Equal(t, "v1.4.11", ver)

	ver, ok = ScanMarker([]byte("##m1n1_ver##1.0"))
	assert.True(t, ok)
	assert.Equal(t, "1.0", ver)

	_, ok = ScanMarker([]byte("no marker here"))
	assert.False(t, ok)
}

func TestFindBootloaderVersion(t *testing.T) {
	preboot := t.TempDir()
	vgid := "5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F"

	path := KernelCachePath(preboot, vgid, "NSIH", "COIH")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("hdr##m1n1_ver##v1.2.3\x00tail"), 0o644))

	ver, err := FindBootloaderVersion(preboot, vgid, "NSIH", "COIH")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", ver)

	// Missing file is not an error
	ver, err = FindBootloaderVersion(preboot, vgid, "NSIH", "OTHER")
	require.NoError(t, err)
	assert.Equal(t, "", ver)

	// Missing marker is not an error
	require.NoError(t, os.WriteFile(path, []byte("plain kernel"), 0o644))
	ver, err = FindBootloaderVersion(preboot, vgid, "NSIH", "COIH")
	require.NoError(t, err)
	assert.Equal(t, "", ver)
}
