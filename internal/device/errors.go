// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	"errors"

	"github.com/ulfsri/alicat-daq/internal/transport"
)

// Error kinds the command surface and discovery procedure can raise.
// Timeout, Decode and TransportClosed are the transport's own
// sentinels (internal/transport), re-exported so callers never need
// to import that package just to errors.Is against them.
var (
	ErrNoDevice        = errors.New("device: no device responded to discovery")
	ErrVersionError    = errors.New("device: command requires a higher firmware version")
	ErrUnknownStat     = errors.New("device: unknown statistic name")
	ErrUnknownUnit     = errors.New("device: unknown unit name")
	ErrUnknownGas      = errors.New("device: unknown gas name")
	ErrTooManyStats    = errors.New("device: more than 13 statistics in one request")
	ErrInvalidArgument = errors.New("device: invalid argument")
	ErrNotController   = errors.New("device: command requires a controller")
	ErrStreaming       = errors.New("device: handle is in streaming mode")
	ErrUnexpectedReply = errors.New("device: unexpected reply shape")

	ErrTimeout         = transport.ErrTimeout
	ErrDecode          = transport.ErrDecode
	ErrTransportClosed = transport.ErrTransportClosed
)
