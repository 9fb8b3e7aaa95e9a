package version

import (
	"fmt"
	"log"
)

var (
	Name        = "arbiter"
	Description = "Multi-vendor LLM API reverse proxy"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "unknown"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s - %s", Name, Version, Description)
	if extendedInfo {
		vlog.Printf("  commit: %s", Commit)
		vlog.Printf("  built:  %s", Date)
	}
}

func String() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
