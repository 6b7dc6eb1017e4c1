// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/config"
	"github.com/logwatch/logwatch/lib/offline"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/transport"
	"github.com/logwatch/logwatch/lib/uploader"
)

// NewTaskID returns a UUIDv7, so task IDs sort by start time.
func NewTaskID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("taskrun: generating task id: %w", err)
	}
	return id.String(), nil
}

// DefaultName is the task name used when none is given:
// <machine>-MMDD-HHMMSS in local time.
func DefaultName(machine string, startedAt time.Time) string {
	return machine + "-" + startedAt.Local().Format("0102-150405")
}

// BreakerConfig maps the configuration onto breaker thresholds.
func BreakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration.Std(),
		Window:           cfg.Breaker.Window.Std(),
	}
}

// RetentionPolicy maps the configuration onto the queue ceiling.
func RetentionPolicy(cfg *config.Config) recordstore.RetentionPolicy {
	return recordstore.RetentionPolicy{
		MaxAge:    time.Duration(cfg.Retention.Days) * 24 * time.Hour,
		MaxStores: cfg.Retention.MaxFiles,
	}
}

// NewClient returns the server client, or nil when no server is
// configured.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*transport.Client, error) {
	if cfg.Server == "" {
		return nil, nil
	}
	return transport.NewClient(transport.Config{
		BaseURL:    cfg.Server,
		UserID:     cfg.EffectiveUserID(),
		Token:      cfg.Token,
		HTTPClient: httpClient,
		Timeout:    cfg.RequestTimeout.Std(),
		Logger:     logger,
	})
}

func uploaderConfig(cfg *config.Config, store *recordstore.Store, sender uploader.Sender, circuit *breaker.Breaker, clk clock.Clock, logger *slog.Logger) uploader.Config {
	return uploader.Config{
		Store:             store,
		Sender:            sender,
		Breaker:           circuit,
		BatchRecords:      cfg.Upload.BatchRecords,
		BatchInterval:     cfg.Upload.BatchInterval.Std(),
		BatchMaxBytes:     cfg.Upload.BatchMaxBytes.Int(),
		CompressThreshold: cfg.Upload.CompressThreshold.Int(),
		Compression:       cfg.Upload.Compression,
		RetryCount:        cfg.Upload.RetryCount,
		RetryInterval:     cfg.Upload.RetryInterval.Std(),
		MaxRetryInterval:  cfg.Upload.MaxRetryInterval.Std(),
		GiveUpAfterOpens:  cfg.Upload.GiveUpAfterOpens,
		KeepUploaded:      cfg.Upload.KeepUploaded,
		Clock:             clk,
		Logger:            logger,
	}
}

func notifierFor(cfg *config.Config) offline.Notifier {
	if len(cfg.Notify.Command) == 0 {
		return nil
	}
	return &offline.ExecNotifier{Command: cfg.Notify.Command, Timeout: cfg.Notify.Timeout.Std()}
}
