// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"fmt"

	"github.com/ulfsri/alicat-daq/internal/frame"
	"github.com/ulfsri/alicat-daq/internal/transport"
	"github.com/ulfsri/alicat-daq/pkg/log"
)

// Discover runs the five-step identification procedure against an
// already-open transport and returns a usable Handle: issue `??M*`,
// classify the reported model, and eagerly populate the data-frame
// schema.
func Discover(ctx context.Context, tr *transport.Transport, id byte) (*Handle, error) {
	idStr := string(id)
	lines, err := tr.WriteReadAll(ctx, frame.BuildCommand(idStr, "??M*"))
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: id %s", ErrNoDevice, idStr)
	}

	info := ParseDevInfo(lines)
	capability, ok := ClassifyModel(info.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized model %q", ErrNoDevice, info.Model)
	}

	h := &Handle{
		id:         id,
		tr:         tr,
		info:       info,
		capability: capability,
		unknown:    newUnknownCache(),
	}
	if err := h.discoverSchema(ctx); err != nil {
		return nil, err
	}
	log.Infof("device %s: discovered %s (%s), firmware %s", idStr, info.Model, capability, info.Software)
	return h, nil
}
