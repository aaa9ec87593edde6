package repair

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradle(id string) string {
	return "android {\n" +
		"    namespace 'com." + id + ".webtoapk'\n" +
		"    defaultConfig {\n" +
		"        applicationId \"com." + id + ".webtoapk\"\n" +
		"    }\n" +
		"}\n"
}

func tree(t *testing.T, diskID, descriptor string) string {
	t.Helper()
	root := t.TempDir()
	if diskID != "" {
		marker := filepath.Join(root, "app/src/main/java/com", diskID, "webtoapk/MainActivity.java")
		require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o755))
		require.NoError(t, os.WriteFile(marker, []byte("package com."+diskID+".webtoapk;\n"), 0o644))
	}
	if descriptor != "" {
		path := filepath.Join(root, DescriptorFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(descriptor), 0o644))
	}
	return root
}

func descriptor(t *testing.T, root string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, DescriptorFile))
	require.NoError(t, err)
	return string(data)
}

func TestRepair_Placeholders(t *testing.T) {
	for _, placeholder := range []string{"", "${id}", "$id", "{id}"} {
		t.Run("placeholder "+placeholder, func(t *testing.T) {
			root := tree(t, "demo", gradle(placeholder))

			res, err := New(nil).Repair(root)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRepaired, res.Outcome)
			assert.True(t, res.Placeholder)
			assert.Equal(t, "demo", res.DiskID)
			assert.Equal(t, gradle("demo"), descriptor(t, root))
		})
	}
}

func TestRepair_DriftedIdentifier(t *testing.T) {
	root := tree(t, "beta", gradle("alpha"))

	res, err := New(nil).Repair(root)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, res.Outcome)
	assert.False(t, res.Placeholder)
	assert.Equal(t, []string{"alpha"}, res.Declared)
	assert.Equal(t, gradle("beta"), descriptor(t, root))
}

func TestRepair_IdempotentSecondPass(t *testing.T) {
	root := tree(t, "demo", gradle("${id}"))
	r := New(nil)

	_, err := r.Repair(root)
	require.NoError(t, err)

	path := filepath.Join(root, DescriptorFile)
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, past, past))

	res, err := r.Repair(root)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, res.Outcome)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))
}

func TestRepair_SkipsWhenFilesMissing(t *testing.T) {
	res, err := New(nil).Repair(tree(t, "", gradle("demo")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	res, err = New(nil).Repair(tree(t, "demo", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}
