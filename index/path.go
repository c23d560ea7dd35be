package index

import (
	"path"
	"strings"
)

// RecordPath returns the repository-relative path of a package's index
// file, using the sharding convention cargo clients resolve against:
// one- and two-character names go under 1/ and 2/, three-character
// names under 3/{first letter}/, everything else under the first two
// two-character prefixes of the name.
func RecordPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return path.Join("1", name)
	case 2:
		return path.Join("2", name)
	case 3:
		return path.Join("3", name[:1], name)
	default:
		return path.Join(name[:2], name[2:4], name)
	}
}
