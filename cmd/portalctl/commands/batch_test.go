package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadMembers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.txt")
	err := os.WriteFile(path, []byte("# exported from front desk\n1001\n\n 2002 \n1001\n3003"), 0600)
	require.NoError(t, err)

	members, err := readMembers(path)
	require.NoError(t, err)
	require.Equal(t, []string{"1001", "2002", "3003"}, members)

	_, err = readMembers(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
