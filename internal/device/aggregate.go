// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ulfsri/alicat-daq/internal/codetable"
	"github.com/ulfsri/alicat-daq/internal/frame"
)

// Synthetic names Get/Set recognize alongside raw statistic names.
const (
	nameGas           = "GAS"
	nameSetpoint      = "SETPOINT"
	nameSetpointAlias = "SETPT"
	nameLoop          = "LOOP"
	nameLoopAlias     = "LOOP_CTRL"
)

// Get partitions names into raw statistic codes (batched into groups
// of at most 13 and sent via Request), the synthetic GAS and SETPOINT
// names, and everything else (which triggers a single Poll whose
// schema fields are merged in). Results are assembled poll first,
// then synthetic fields, then request batches; duplicate keys are
// last-writer-wins.
func (h *Handle) Get(ctx context.Context, names []string) (map[string]any, error) {
	var (
		pollNeeded bool
		wantGas    bool
		wantSetpt  bool
		rawStats   []string
	)
	for _, n := range names {
		switch strings.ToUpper(n) {
		case nameGas:
			wantGas = true
		case nameSetpoint, nameSetpointAlias:
			wantSetpt = true
		default:
			if _, ok := codetable.CodeFor(codetable.Statistics, n); ok {
				rawStats = append(rawStats, n)
			} else {
				pollNeeded = true
			}
		}
	}
	if len(names) == 0 {
		pollNeeded = true
	}

	result := make(map[string]any)

	if pollNeeded {
		pollResult, err := h.Poll(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range pollResult {
			result[k] = v
		}
	}
	if wantGas {
		gas, err := h.Gas(ctx, "", false)
		if err != nil {
			return nil, err
		}
		for k, v := range gas {
			result[k] = v
		}
	}
	if wantSetpt {
		if h.capability == Controller {
			setpt, err := h.Setpoint(ctx, nil, "")
			if err != nil {
				return nil, err
			}
			for k, v := range setpt {
				result[k] = v
			}
		}
	}
	for i := 0; i < len(rawStats); i += maxRequestStats {
		end := i + maxRequestStats
		if end > len(rawStats) {
			end = len(rawStats)
		}
		batch, err := h.Request(ctx, rawStats[i:end], defaultRequestAvgMS)
		if err != nil {
			return nil, err
		}
		for k, v := range batch {
			result[k] = v
		}
	}
	return result, nil
}

// defaultRequestAvgMS is the averaging window used for batched
// statistic requests issued from Get; callers needing a specific
// window should call Request directly.
const defaultRequestAvgMS = 100

// Set dispatches a mapping of command name to positional parameters.
// Recognized names (case-insensitive): GAS, SETPOINT/SETPT,
// LOOP/LOOP_CTRL. Unrecognized names are ignored rather than
// rejected, since the map commonly carries values round-tripped
// straight out of Get.
func (h *Handle) Set(ctx context.Context, commands map[string][]any) (map[string]any, error) {
	result := make(map[string]any)
	for name, args := range commands {
		switch strings.ToUpper(name) {
		case nameGas:
			gasName, save := argString(args, 0), argBool(args, 1)
			out, err := h.Gas(ctx, gasName, save)
			if err != nil {
				return nil, err
			}
			result[name] = out
		case nameSetpoint, nameSetpointAlias:
			value, unit := argFloatPtr(args, 0), argString(args, 1)
			out, err := h.Setpoint(ctx, value, unit)
			if err != nil {
				return nil, err
			}
			result[name] = out
		case nameLoop, nameLoopAlias:
			stat := argString(args, 0)
			if err := h.setLoopVariable(ctx, stat); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// setLoopVariable changes which statistic the controller's loop
// tracks.
func (h *Handle) setLoopVariable(ctx context.Context, stat string) error {
	code, ok := codetable.CodeFor(codetable.Statistics, stat)
	if !ok {
		h.unknown.warnOnce("stat:"+stat, fmt.Sprintf("device %s: unknown loop statistic %q", h.idString(), stat))
		return fmt.Errorf("%w: %q", ErrUnknownStat, stat)
	}
	if h.capability != Controller {
		return fmt.Errorf("%w: %s", ErrNotController, h.idString())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkNotStreaming(); err != nil {
		return err
	}
	body := "SPCG " + strconv.Itoa(code)
	_, err := h.tr.WriteReadLine(ctx, frame.BuildCommand(h.idString(), body))
	return err
}

func argString(args []any, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return fmt.Sprint(args[i])
}

func argBool(args []any, i int) bool {
	if i >= len(args) || args[i] == nil {
		return false
	}
	b, _ := args[i].(bool)
	return b
}

func argFloatPtr(args []any, i int) *float64 {
	if i >= len(args) || args[i] == nil {
		return nil
	}
	switch v := args[i].(type) {
	case float64:
		return &v
	case float32:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	default:
		return nil
	}
}
