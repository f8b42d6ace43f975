// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"time"
)

const (
	MetricsOpPush       = "push"
	MetricsOpPull       = "pull"
	MetricsOpAdjudicate = "adjudicate"

	MetricsStageTotal = "total"
	MetricsStageTx    = "tx"

	// Push per-operation stages.
	MetricsStageGate     = "gate"
	MetricsStageApply    = "apply"
	MetricsStageConflict = "conflict"

	// Pull stages.
	MetricsStagePullFetch = "fetch"
)

// StageTiming is one observed stage of a push, pull or adjudication
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

// StageMetricsRecorder receives stage timings; wire it to your metrics backend
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer measures a single stage; the zero value is a no-op
type stageTimer struct {
	svc   *SyncService
	op    string
	stage string
	start time.Time
}

func (s *SyncService) startStage(op, stage string) stageTimer {
	if s == nil || s.config == nil || (s.config.StageMetrics == nil && !s.config.LogStageTimings) {
		return stageTimer{}
	}
	return stageTimer{svc: s, op: op, stage: stage, start: time.Now()}
}

func (t stageTimer) done(ctx context.Context, count, attempt int, err error) {
	if t.svc == nil {
		return
	}
	timing := StageTiming{
		Operation: t.op,
		Stage:     t.stage,
		Duration:  time.Since(t.start),
		Count:     count,
		Attempt:   attempt,
		Error:     err != nil,
	}
	cfg := t.svc.config
	if cfg.StageMetrics != nil {
		cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if cfg.LogStageTimings {
		t.svc.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
