// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

type fakeConn struct {
	publishFn func(subject string, data []byte) error
	subjects  []string
	payloads  [][]byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	if f.publishFn != nil {
		return f.publishFn(subject, data)
	}
	return nil
}

func TestPublishExecution(t *testing.T) {
	conn := &fakeConn{}
	p := newPublisher(conn, logger.Nop())

	reason := "step \"upgrade\" failed"
	exec := &models.Execution{
		ID:             uuid.New(),
		RunbookID:      uuid.New(),
		RunbookVersion: 3,
		TriggerSource:  models.TriggerSourceRule,
		Mode:           models.ModeAuto,
		Status:         models.ExecStatusFailed,
		StatusReason:   &reason,
	}
	p.PublishExecution(context.Background(), exec)

	if len(conn.subjects) != 1 {
		t.Fatalf("publishes = %d", len(conn.subjects))
	}
	if conn.subjects[0] != "remedia.execution.failed" {
		t.Errorf("subject = %q", conn.subjects[0])
	}

	var ev ExecutionEvent
	if err := json.Unmarshal(conn.payloads[0], &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.ExecutionID != exec.ID.String() || ev.Status != "failed" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Reason != reason || ev.RunbookVersion != 3 {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	conn := &fakeConn{publishFn: func(string, []byte) error {
		return errors.New("broker down")
	}}
	p := newPublisher(conn, logger.Nop())

	exec := &models.Execution{
		ID:        uuid.New(),
		RunbookID: uuid.New(),
		Status:    models.ExecStatusCompleted,
		Mode:      models.ModeManual,
	}
	// Must not panic or propagate.
	p.PublishExecution(context.Background(), exec)
}
