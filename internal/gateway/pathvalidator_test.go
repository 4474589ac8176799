package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathValidator_ResolvesWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	pv, err := NewPathValidator([]string{root})
	require.NoError(t, err)

	resolved, err := pv.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a.txt"), resolved)
}

func TestPathValidator_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	pv, err := NewPathValidator([]string{root})
	require.NoError(t, err)

	_, err = pv.Resolve("../etc/passwd")
	require.Error(t, err)
}

func TestPathValidator_RejectsRestrictedNames(t *testing.T) {
	root := t.TempDir()
	pv, err := NewPathValidator([]string{root})
	require.NoError(t, err)

	_, err = pv.Resolve(".git/config")
	require.Error(t, err)
}

func TestPathValidator_MultipleRootsMembershipInAny(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rootB, "b.txt"), []byte("hi"), 0o644))

	pv, err := NewPathValidator([]string{rootA, rootB})
	require.NoError(t, err)

	resolved, err := pv.Resolve("b.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(rootB, "b.txt"), resolved)
}

func TestPathValidator_RejectsAbsoluteOutsideRoots(t *testing.T) {
	root := t.TempDir()
	pv, err := NewPathValidator([]string{root})
	require.NoError(t, err)

	_, err = pv.Resolve("/etc/passwd")
	require.Error(t, err)
}
