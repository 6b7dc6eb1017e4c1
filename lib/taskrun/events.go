// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/transport"
)

// eventTries bounds the attempts at one lifecycle event.
const eventTries = 3

// errBreakerOpen is returned by sendEvent when the breaker is not
// closed; the event is not attempted.
var errBreakerOpen = errors.New("taskrun: circuit breaker open")

// EventSender posts a lifecycle event. *transport.Client implements
// it.
type EventSender interface {
	SendEvent(ctx context.Context, event schema.Event) error
}

// sendEvent posts event with up to eventTries attempts, retry apart.
// Only transient failures are retried. Events are skipped while the
// breaker is not closed and never count toward it.
func sendEvent(ctx context.Context, sender EventSender, circuit *breaker.Breaker, event schema.Event, retry time.Duration, clk clock.Clock, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= eventTries; attempt++ {
		if circuit != nil && circuit.State() != breaker.Closed {
			return errBreakerOpen
		}
		err = sender.SendEvent(ctx, event)
		if err == nil {
			logger.Debug("event sent", "event", string(event.Event), "attempt", attempt)
			return nil
		}
		if !transport.IsTransient(err) || attempt == eventTries {
			break
		}
		logger.Debug("event failed, retrying", "event", string(event.Event), "attempt", attempt, "error", err)

		timer := clk.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func startEvent(task schema.Task, heartbeatInterval time.Duration) schema.Event {
	return schema.Event{
		TaskID:                   task.ID,
		Event:                    schema.EventStart,
		Name:                     task.Name,
		Machine:                  task.Machine,
		UserID:                   task.User,
		Command:                  strings.Join(task.Command, " "),
		HeartbeatIntervalSeconds: int(heartbeatInterval / time.Second),
		Timestamp:                task.StartedAt.Unix(),
	}
}

// finishedEvent reports a finished task. The status sent is the
// command's outcome; an offline run that later synced is reported as
// succeeded or failed.
func finishedEvent(task schema.Task) schema.Event {
	status := schema.StatusFailed
	if task.Succeeded() {
		status = schema.StatusSucceeded
	}
	event := schema.Event{
		TaskID:   task.ID,
		Event:    schema.EventFinished,
		Name:     task.Name,
		Machine:  task.Machine,
		UserID:   task.User,
		Status:   status,
		ExitCode: task.ExitCode,
	}
	if task.EndedAt != nil {
		event.DurationMS = task.EndedAt.Sub(task.StartedAt).Milliseconds()
		event.Timestamp = task.EndedAt.Unix()
	}
	return event
}
