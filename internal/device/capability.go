// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import "strings"

// Capability is a closed set of device tiers. There is no subclass
// hierarchy to walk: a model string is matched against a fixed
// predicate table, and a Controller's command surface includes a
// Meter's by composition inside Handle, not by inheritance.
type Capability string

const (
	Meter      Capability = "meter"
	Controller Capability = "controller"
)

// meterPrefixes and controllerPrefixes are substring predicates
// against a device's reported model string. No controller prefix
// contains a meter prefix (" MC-" does not contain " M-"), so the
// order of the two checks does not change the result; controller
// prefixes are checked first only to keep the more specific set
// obvious.
var (
	controllerPrefixes = []string{" MC-", " MCS-", " MCQ-", " MCW-"}
	meterPrefixes      = []string{" M-", " MS-", " MQ-", " MW-"}
)

// ClassifyModel matches a model string against the capability
// predicate tables and reports the most specific match.
func ClassifyModel(model string) (Capability, bool) {
	padded := " " + model
	for _, p := range controllerPrefixes {
		if strings.Contains(padded, p) {
			return Controller, true
		}
	}
	for _, p := range meterPrefixes {
		if strings.Contains(padded, p) {
			return Meter, true
		}
	}
	return "", false
}
