package main

import "github.com/fzft/go-echo-mux/cmd"

// set with -ldflags "-X main.gitSHA1=... -X main.gitDirty=..."
var (
	release   string = "0.1.0"
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildDate string = "unknown"
)

func Version() string {
	v := cmd.VersionString(release, gitSHA1, gitDirty)
	if buildDate != "unknown" {
		v += " built " + buildDate
	}
	return v
}
