// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package services

import "context"

// RunFunc is a blocking loop that exits when its context is cancelled.
type RunFunc func(ctx context.Context) error

// LoopService adapts a blocking run loop (the retry sweeper, the
// retention purger) to a named suture service.
type LoopService struct {
	name string
	run  RunFunc
}

// NewLoopService wraps run as a supervised service.
func NewLoopService(name string, run RunFunc) *LoopService {
	return &LoopService{name: name, run: run}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *LoopService) String() string {
	return s.name
}
