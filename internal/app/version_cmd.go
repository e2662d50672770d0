package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// buildInfo is the JSON shape release tooling consumes from
// `vitalq version --json`.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func currentBuildInfo() buildInfo {
	return buildInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
	}
}

func versionCmd(args []string) int {
	return runVersionCmd(args, os.Stdout, os.Stderr)
}

// runVersionCmd prints build metadata. The default output is the bare
// version string; --long appends commit and build date, --json emits one
// machine-readable object.
func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	longOutput := fs.Bool("long", false, "include commit and build date")
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "vitalq version: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "vitalq version: unexpected positional arguments: %s\n", strings.Join(fs.Args(), " "))
		return 2
	}

	info := currentBuildInfo()
	switch {
	case *jsonOutput:
		if err := json.NewEncoder(stdout).Encode(info); err != nil {
			fmt.Fprintf(stderr, "vitalq version: %v\n", err)
			return 1
		}
	case *longOutput:
		fmt.Fprintf(stdout, "%s (commit=%s, build_date=%s)\n", info.Version, info.Commit, info.BuildDate)
	default:
		fmt.Fprintln(stdout, info.Version)
	}
	return 0
}
