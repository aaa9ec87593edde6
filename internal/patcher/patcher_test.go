package patcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainActivity = `package com.myexample.webtoapk;

import android.webkit.WebSettings;

public class MainActivity {
    private static final int LOCATION_PERMISSION_REQUEST_CODE = "";

    protected void onCreate() {
        WebSettings webSettings = webview.getSettings();
        webSettings.setJavaScriptEnabled(true);
    }
}
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRewritePackage(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"well formed", "package com.old.webtoapk;\n", "package com.demo.webtoapk;\n"},
		{"placeholder", "package com.${id}.webtoapk;\n", "package com.demo.webtoapk;\n"},
		{"empty segment", "package com..webtoapk;\n", "package com.demo.webtoapk;\n"},
		{"other namespace untouched", "package org.other.app;\n", "package org.other.app;\n"},
		{"not a declaration", "// see com.old.webtoapk;\n", "// see com.old.webtoapk;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewritePackage(tt.in, "demo"))
		})
	}
}

func TestFixMainActivity(t *testing.T) {
	fixed := FixMainActivity(mainActivity)

	assert.Contains(t, fixed, "LOCATION_PERMISSION_REQUEST_CODE = 1001;")
	assert.NotContains(t, fixed, `LOCATION_PERMISSION_REQUEST_CODE = "";`)
	assert.Contains(t, fixed,
		"        WebSettings webSettings = webview.getSettings();\n"+
			"        webSettings.setAllowFileAccess(true);\n"+
			"        webSettings.setAllowFileAccessFromFileURLs(true);\n"+
			"        webSettings.setAllowUniversalAccessFromFileURLs(true);\n"+
			"        webSettings.setJavaScriptEnabled(true);\n")

	assert.Equal(t, fixed, FixMainActivity(fixed), "second application must be a no-op")
	assert.Equal(t, 1, strings.Count(fixed, settingsSignature))
}

func TestFixMainActivity_CRLF(t *testing.T) {
	in := "class A {\r\n\tWebSettings webSettings = webview.getSettings();\r\n}\r\n"
	out := FixMainActivity(in)
	assert.Equal(t,
		"class A {\r\n\tWebSettings webSettings = webview.getSettings();\r\n"+
			"\twebSettings.setAllowFileAccess(true);\r\n"+
			"\twebSettings.setAllowFileAccessFromFileURLs(true);\r\n"+
			"\twebSettings.setAllowUniversalAccessFromFileURLs(true);\r\n}\r\n", out)
}

func TestFixMainActivity_NoAnchor(t *testing.T) {
	in := "class A {}\n"
	assert.Equal(t, in, FixMainActivity(in))
}

func TestPatch_TreeAndIdempotence(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app/src/main/java/com/demo/webtoapk/MainActivity.java": mainActivity,
		"app/src/main/java/com/demo/webtoapk/Helper.kt":         "package com.myexample.webtoapk;\n",
		"app/src/main/java/com/demo/webtoapk/notes.txt":         "package com.myexample.webtoapk;\n",
	})
	p := New(nil)

	report := p.Patch(t.Context(), root, "demo")
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.FilesScanned)
	assert.Equal(t, 2, report.FilesChanged)

	main := read(t, root, "app/src/main/java/com/demo/webtoapk/MainActivity.java")
	assert.True(t, strings.HasPrefix(main, "package com.demo.webtoapk;"))
	assert.Contains(t, main, settingsSignature)
	assert.Equal(t, "package com.demo.webtoapk;\n", read(t, root, "app/src/main/java/com/demo/webtoapk/Helper.kt"))
	assert.Equal(t, "package com.myexample.webtoapk;\n", read(t, root, "app/src/main/java/com/demo/webtoapk/notes.txt"))

	mainPath := filepath.Join(root, "app/src/main/java/com/demo/webtoapk/MainActivity.java")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(mainPath, past, past))

	report = p.Patch(t.Context(), root, "demo")
	assert.Equal(t, 0, report.FilesChanged)
	info, err := os.Stat(mainPath)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "unchanged file must not be rewritten")
}

func TestPatch_MissingSourceTree(t *testing.T) {
	report := New(nil).Patch(t.Context(), t.TempDir(), "demo")
	assert.Equal(t, Report{}, report)
}

func TestPatch_PerFileErrorDoesNotAbort(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	root := writeTree(t, map[string]string{
		"app/src/main/java/com/a/webtoapk/A.java": "package com.old.webtoapk;\n",
		"app/src/main/java/com/b/webtoapk/B.java": "package com.old.webtoapk;\n",
	})
	locked := filepath.Join(root, "app/src/main/java/com/a/webtoapk/A.java")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o644) })

	report := New(nil).Patch(t.Context(), root, "demo")
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.FilesChanged)
	assert.Equal(t, "package com.demo.webtoapk;\n", read(t, root, "app/src/main/java/com/b/webtoapk/B.java"))
}
