package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/transmit"
)

// txSpec is one -tx job in ID#DATA[@PERIOD] form, e.g. 123#0102@100ms.
// Three id digits make a standard frame and eight an extended one; dots in
// DATA are ignored. Without a period the job is sent once on connect.
type txSpec struct {
	frame  can.Frame
	period time.Duration
}

func parseTxSpec(s string) (txSpec, error) {
	body, period, hasPeriod := strings.Cut(strings.TrimSpace(s), "@")
	idStr, dataStr, ok := strings.Cut(body, "#")
	if !ok {
		return txSpec{}, fmt.Errorf("tx %q: missing '#'", s)
	}
	var extended bool
	switch len(idStr) {
	case 1, 2, 3:
	case 8:
		extended = true
	default:
		return txSpec{}, fmt.Errorf("tx %q: id must have up to 3 or exactly 8 hex digits", s)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return txSpec{}, fmt.Errorf("tx %q: id: %w", s, err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, ".", ""))
	if err != nil {
		return txSpec{}, fmt.Errorf("tx %q: data: %w", s, err)
	}
	f, err := can.NewFrame(uint32(id), data, extended)
	if err != nil {
		return txSpec{}, fmt.Errorf("tx %q: %w", s, err)
	}
	spec := txSpec{frame: f}
	if hasPeriod {
		if spec.period, err = time.ParseDuration(period); err != nil || spec.period <= 0 {
			return txSpec{}, fmt.Errorf("tx %q: period must be a positive duration", s)
		}
	}
	return spec, nil
}

func (t txSpec) job() *transmit.Job { return transmit.NewJob(t.frame, t.period) }

func (t txSpec) String() string {
	if t.period > 0 {
		return t.frame.String() + "@" + t.period.String()
	}
	return t.frame.String()
}

// txList collects repeated -tx flags.
type txList []txSpec

func (l *txList) String() string {
	parts := make([]string, len(*l))
	for i, t := range *l {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func (l *txList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		t, err := parseTxSpec(s)
		if err != nil {
			return err
		}
		*l = append(*l, t)
	}
	return nil
}
