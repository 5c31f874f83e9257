// Package execution owns the execution state machine.
//
// This file implements result ingestion: sentinel parsing of the Python
// handler's return value, stdout/stderr truncation with artifact spill,
// and the idempotent terminal write.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/metrics"
)

// Sentinel markers wrapping the handler's JSON return value in stdout.
const (
	resultMarkerStart = "===SANDBOX_RESULT==="
	resultMarkerEnd   = "===SANDBOX_RESULT_END==="
)

// ResultCallback is the wire form of the internal result endpoint.
type ResultCallback struct {
	Status               string                  `json:"status"`
	Stdout               string                  `json:"stdout"`
	Stderr               string                  `json:"stderr"`
	ExitCode             int                     `json:"exit_code"`
	ExecutionTimeSeconds float64                 `json:"execution_time_seconds"`
	ReturnValue          json.RawMessage         `json:"return_value,omitempty"`
	Metrics              json.RawMessage         `json:"metrics,omitempty"`
	Artifacts            []db.ArtifactDescriptor `json:"artifacts,omitempty"`
	Error                string                  `json:"error,omitempty"`
}

// HandleResult ingests a terminal result callback. Keyed by execution
// id: a repeated callback for an already-terminal execution is accepted
// and discarded (the first write wins); a callback for an unknown id
// surfaces not-found.
func (m *Manager) HandleResult(ctx context.Context, execID string, cb *ResultCallback) error {
	exec, err := m.executions.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if !db.IsExecutionFinal(cb.Status) {
		return apperrors.Validation(fmt.Sprintf("result status %q is not terminal", cb.Status))
	}

	session, err := m.sessions.GetSession(ctx, exec.SessionID)
	if err != nil {
		return err
	}
	if db.IsSessionTerminal(session.Status) {
		// In-flight result arriving after the session was terminated is
		// ignored; the execution was already crashed/failed by then.
		logger.Execution().Debug().Str("execution_id", execID).Msg("Discarding result for terminated session")
		return nil
	}

	result := &db.ExecutionResult{
		Status:               cb.Status,
		ExitCode:             cb.ExitCode,
		ExecutionTimeSeconds: cb.ExecutionTimeSeconds,
		ReturnValue:          cb.ReturnValue,
		Metrics:              cb.Metrics,
		Artifacts:            cb.Artifacts,
		FailureReason:        cb.Error,
	}

	// For Python runs the executor wraps handler output between sentinel
	// markers in stdout; extract it when the executor did not supply the
	// return value explicitly.
	if len(result.ReturnValue) == 0 && exec.Language == "python" {
		result.ReturnValue = extractReturnValue(cb.Stdout)
	}
	// Strip the marker block from user-visible stdout either way.
	cleanStdout := stripResultBlock(cb.Stdout)

	result.Stdout = m.spillIfOversized(ctx, exec.SessionID, execID, "stdout", cleanStdout, result)
	result.Stderr = m.spillIfOversized(ctx, exec.SessionID, execID, "stderr", cb.Stderr, result)

	applied, err := m.executions.IngestResult(ctx, execID, result)
	if err != nil {
		return err
	}
	if !applied {
		logger.Execution().Debug().Str("execution_id", execID).Msg("Discarding repeated result callback")
		return nil
	}

	metrics.ExecutionsByStatus.WithLabelValues(cb.Status).Inc()
	metrics.ExecutionDuration.Observe(cb.ExecutionTimeSeconds)
	m.publisher.ExecutionStatus(execID, exec.SessionID, cb.Status, exec.RetryCount)
	_ = m.sessions.TouchActivity(ctx, exec.SessionID)

	logger.Execution().Info().
		Str("execution_id", execID).
		Str("status", cb.Status).
		Int("exit_code", cb.ExitCode).
		Float64("seconds", cb.ExecutionTimeSeconds).
		Msg("Execution finished")
	return nil
}

// extractReturnValue parses the sentinel-delimited JSON block from
// stdout. Returns nil when the markers are absent or the block is not
// valid JSON.
func extractReturnValue(stdout string) json.RawMessage {
	start := strings.Index(stdout, resultMarkerStart)
	if start < 0 {
		return nil
	}
	rest := stdout[start+len(resultMarkerStart):]
	end := strings.Index(rest, resultMarkerEnd)
	if end < 0 {
		return nil
	}
	block := strings.TrimSpace(rest[:end])
	if block == "" {
		return nil
	}
	if !json.Valid([]byte(block)) {
		return nil
	}
	return json.RawMessage(block)
}

// stripResultBlock removes the sentinel block from stdout so clients see
// only what the user's code printed.
func stripResultBlock(stdout string) string {
	start := strings.Index(stdout, resultMarkerStart)
	if start < 0 {
		return stdout
	}
	rest := stdout[start+len(resultMarkerStart):]
	end := strings.Index(rest, resultMarkerEnd)
	if end < 0 {
		return stdout
	}
	return stdout[:start] + rest[end+len(resultMarkerEnd):]
}

// spillIfOversized truncates a stream at the configured cap, appending
// the truncation marker; the full version is uploaded to the artifact
// store and referenced from the execution's artifact list.
func (m *Manager) spillIfOversized(ctx context.Context, sessionID, execID, stream, content string, result *db.ExecutionResult) string {
	limit := m.cfg.StdoutTruncateBytes
	if limit <= 0 || len(content) <= limit {
		return content
	}

	truncated := len(content) - limit
	spillPath := fmt.Sprintf(".sandpool/%s/%s.log", execID, stream)

	data := []byte(content)
	if err := m.uploader.Upload(ctx, sessionID, spillPath, bytes.NewReader(data), int64(len(data)), "text/plain"); err != nil {
		logger.Execution().Warn().Err(err).
			Str("execution_id", execID).
			Str("stream", stream).
			Msg("Failed to spill oversized stream to artifact store")
	} else {
		result.Artifacts = append(result.Artifacts, db.ArtifactDescriptor{
			Path:      spillPath,
			SizeBytes: int64(len(data)),
			MimeType:  "text/plain",
			Kind:      db.ArtifactKindLog,
			CreatedAt: time.Now(),
		})
	}

	return content[:limit] + fmt.Sprintf("…[TRUNCATED %d bytes]", truncated)
}
