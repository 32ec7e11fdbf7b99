// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// SubjectPrefix is the root of all remedia subjects. Execution status
// changes publish to "<prefix>.execution.<status>".
const SubjectPrefix = "remedia"

// conn is the narrow publishing surface the Publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// ExecutionEvent is the wire payload for an execution status change.
type ExecutionEvent struct {
	ExecutionID    string `json:"execution_id"`
	RunbookID      string `json:"runbook_id"`
	RunbookVersion int    `json:"runbook_version"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Mode           string `json:"mode"`
	TriggerSource  string `json:"trigger_source"`
	DryRun         bool   `json:"dry_run,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

// Publisher emits execution lifecycle events. Failures are logged and
// swallowed; the engine never waits on the broker.
type Publisher struct {
	conn conn
	log  *logger.Logger
}

// NewPublisher creates a publisher over a connected client.
func NewPublisher(c *Client, log *logger.Logger) *Publisher {
	return newPublisher(c, log)
}

func newPublisher(c conn, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{conn: c, log: log.Named("events")}
}

// PublishExecution emits one status-change event for the execution.
func (p *Publisher) PublishExecution(_ context.Context, e *models.Execution) {
	ev := ExecutionEvent{
		ExecutionID:    e.ID.String(),
		RunbookID:      e.RunbookID.String(),
		RunbookVersion: e.RunbookVersion,
		Status:         string(e.Status),
		Mode:           string(e.Mode),
		TriggerSource:  e.TriggerSource,
		DryRun:         e.DryRun,
		OccurredAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if e.StatusReason != nil {
		ev.Reason = *e.StatusReason
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode execution event", "execution_id", e.ID, "error", err)
		return
	}

	subject := SubjectPrefix + ".execution." + string(e.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish execution event",
			"subject", subject, "execution_id", e.ID, "error", err)
	}
}
