package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X".
var (
	CLIName    = "defichat"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s/%s)", CLIName, CLIVersion, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
