// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	"regexp"
	"strconv"
	"strings"
)

// DevInfo is the immutable identity a device reports once, during
// discovery.
type DevInfo struct {
	Manufacturer string
	Website      string
	Phone        string
	Model        string
	Serial       string
	Manufactured string
	Calibrated   string
	CalibratedBy string
	Software     string
	Version      Version
}

// infoKeys is the fixed key assignment for a `??M*` reply's ten
// lines, M00 through M09. "website" is deliberately listed twice:
// M01 and M03 both land on the same field, and the later line wins,
// mirroring the device's actual M03 "website" line superseding the
// M01 one the firmware also happens to label that way.
var infoKeys = []string{
	"manufacturer",
	"website",
	"phone",
	"website",
	"model",
	"serial",
	"manufactured",
	"calibrated",
	"calibrated_by",
	"software",
}

// mIndex locates the "M<dd>" index marker anywhere in a reply line
// (the line still carries its leading unit-id token) and captures the
// two-digit index.
var mIndex = regexp.MustCompile(`M(\d\d)`)

// ParseDevInfo builds a DevInfo from the raw lines of a `??M*` reply.
// Fields are keyed by each line's own M<NN> index rather than by line
// position: some firmware revisions append an M10 calibration-due
// line, and keying by index makes that (or a dropped line) harmless --
// unknown indices are ignored and missing ones leave their field
// blank instead of shifting every later assignment.
func ParseDevInfo(lines []string) DevInfo {
	values := make(map[string]string, len(infoKeys))
	for _, line := range lines {
		loc := mIndex.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		idx, err := strconv.Atoi(line[loc[2]:loc[3]])
		if err != nil || idx >= len(infoKeys) {
			continue
		}
		values[infoKeys[idx]] = strings.TrimSpace(line[loc[1]:])
	}
	software := values["software"]
	return DevInfo{
		Manufacturer: values["manufacturer"],
		Website:      values["website"],
		Phone:        values["phone"],
		Model:        values["model"],
		Serial:       values["serial"],
		Manufactured: values["manufactured"],
		Calibrated:   values["calibrated"],
		CalibratedBy: values["calibrated_by"],
		Software:     software,
		Version:      ParseVersion(software),
	}
}
