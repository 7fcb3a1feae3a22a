// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	"regexp"
	"strconv"
)

// versionPattern matches the firmware's "N+vN+" software-version
// convention, e.g. "10v05" or "8v28".
var versionPattern = regexp.MustCompile(`(\d+)v(\d+)`)

// digitsOnlyPattern is the fallback used when the software string
// carries no "v" separator at all -- some legacy firmware reports a
// bare major revision with no minor component.
var digitsOnlyPattern = regexp.MustCompile(`(\d+)`)

// Version is a parsed firmware revision. Zero is the lowest possible
// version, so an unparsable software string still gates every
// version-dependent command off rather than panicking.
type Version struct {
	Major int
	Minor int
	Raw   string
}

// AtLeast reports whether v is greater than or equal to major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// ParseVersion extracts the numeric firmware version from a
// device's reported software string. When the string has no digits
// after a "v" separator, it falls back to the leading run of digits
// as the major component with a zero minor -- devices occasionally
// report a bare build number instead of the usual "NvNN" form, and
// treating that as version-zero would wrongly gate every
// version-dependent command off.
func ParseVersion(software string) Version {
	if m := versionPattern.FindStringSubmatch(software); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		return Version{Major: major, Minor: minor, Raw: software}
	}
	if m := digitsOnlyPattern.FindStringSubmatch(software); m != nil {
		major, _ := strconv.Atoi(m[1])
		return Version{Major: major, Minor: 0, Raw: software}
	}
	return Version{Raw: software}
}
