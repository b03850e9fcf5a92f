// Package version holds build information set through -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Full() string {
	return fmt.Sprintf("screenrec %s, commit %s, built at %s", Version, Commit, Date)
}
