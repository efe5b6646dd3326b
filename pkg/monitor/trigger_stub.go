//go:build !linux
// +build !linux

package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type stubTrigger struct{}

// NewTrigger returns a trigger that reports no event support, so the
// watcher falls back to interval polling.
func NewTrigger(logger zerolog.Logger) Trigger {
	return stubTrigger{}
}

func (stubTrigger) Start(ctx context.Context) (<-chan struct{}, error) {
	return nil, fmt.Errorf("interface change events not supported on this platform")
}
