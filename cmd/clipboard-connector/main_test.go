package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionFlag(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("--version failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, version) || !strings.Contains(out, commit) {
		t.Errorf("version output %q missing %q / %q", out, version, commit)
	}
}
