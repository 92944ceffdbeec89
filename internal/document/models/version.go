package models

import (
	"fmt"
	"strconv"
	"strings"

	dErrors "doccontrol/pkg/domain-errors"
)

// Version is the (major, minor) pair of a document record. Ordering is by
// major, then minor.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// InitialVersion is the first version of a new family.
var InitialVersion = Version{Major: 1, Minor: 0}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion accepts "1.2" or "v1.2".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, dErrors.New(dErrors.CodeInvalidInput, "version must look like 1.0")
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 1 {
		return Version{}, dErrors.New(dErrors.CodeInvalidInput, "invalid major version")
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 {
		return Version{}, dErrors.New(dErrors.CodeInvalidInput, "invalid minor version")
	}
	return Version{Major: major, Minor: minor}, nil
}

// NextVersion numbers a new version created from source. Numbers are derived
// from every family member, terminated ones included, so a tuple is never
// reused.
func NextVersion(source Version, members []*Document, major bool) Version {
	if major {
		maxMajor := source.Major
		for _, m := range members {
			if m.Version.Major > maxMajor {
				maxMajor = m.Version.Major
			}
		}
		return Version{Major: maxMajor + 1, Minor: 0}
	}
	maxMinor := source.Minor
	for _, m := range members {
		if m.Version.Major == source.Major && m.Version.Minor > maxMinor {
			maxMinor = m.Version.Minor
		}
	}
	return Version{Major: source.Major, Minor: maxMinor + 1}
}
