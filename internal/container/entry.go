package container

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// Sentinel is printed on both streams between setup output and
	// command output. The multiplexer splits each stream at its first
	// occurrence, so command output containing this exact line would be
	// misattributed; the marker is chosen to make that vanishingly
	// unlikely.
	Sentinel = "_____STARTING COMMAND_____"

	// EntryScriptName is the wrapper script written into the workspace
	// and executed inside the container.
	EntryScriptName = "HANDLE_ENTRY.sh"
)

// entryScript renders the wrapper that runs setup commands, announces
// the sentinel on stderr then stdout, and finally runs the caller's
// command as the script's last statement so its exit code becomes the
// script's.
func entryScript(setupCommands []string, command string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, c := range setupCommands {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	b.WriteString("printf '\\n\\n" + Sentinel + "\\n' >&2\n")
	b.WriteString("printf '\\n\\n" + Sentinel + "\\n'\n")
	b.WriteString(command)
	b.WriteByte('\n')
	return b.String()
}

// writeEntryScript materializes the wrapper into the workspace so the
// container sees it under the workdir mount.
func writeEntryScript(dir string, setupCommands []string, command string) error {
	script := entryScript(setupCommands, command)
	return os.WriteFile(filepath.Join(dir, EntryScriptName), []byte(script), 0o755)
}
