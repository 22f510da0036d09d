package version

import (
	goversion "github.com/hashicorp/go-version"
)

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it
// may include additional information such as the most recent commit hash.
var Version = EmptyValue

// Newer returns whether `remote` is a strictly newer release than `local`.
// Unparseable versions (such as development builds) never compare as newer.
func Newer(local, remote string) bool {
	localVersion, err := goversion.NewVersion(local)
	if err != nil {
		return false
	}

	remoteVersion, err := goversion.NewVersion(remote)
	if err != nil {
		return false
	}

	return localVersion.LessThan(remoteVersion)
}
