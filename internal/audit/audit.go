// Package audit writes an append-only JSON trail of investigation and anomaly lifecycle events.
package audit

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType names an audited transition.
type EventType string

const (
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationRunning   EventType = "investigation.running"
	EventInvestigationCompleted EventType = "investigation.completed"
	EventInvestigationFailed    EventType = "investigation.failed"
	EventInvestigationCancelled EventType = "investigation.cancelled"
	EventEvidenceAdded          EventType = "investigation.evidence_added"
	EventDomainRerun            EventType = "investigation.domain_rerun"

	EventAnomalyRaised   EventType = "anomaly.raised"
	EventAnomalyTriaged  EventType = "anomaly.triaged"
	EventAnomalyClosed   EventType = "anomaly.closed"
	EventDetectorsLoaded EventType = "detection.detectors_loaded"
)

// Event is one audit record.
type Event struct {
	Type            EventType
	InvestigationID string
	AnomalyID       string
	Actor           string
	Version         int64
	Error           string
	Metadata        map[string]any
	Timestamp       time.Time
}

// Auditor records lifecycle events. Implementations must be safe for concurrent use and never block callers on I/O errors.
type Auditor interface {
	Record(ev Event)
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Record(Event) {}
func (Noop) Close() error { return nil }

// Config controls the rotating audit file.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig keeps auditing off and points at logs/audit.log.
func DefaultConfig() Config {
	return Config{
		Path:       filepath.Join("logs", "audit.log"),
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// FileAuditor writes JSON lines through zap into a lumberjack-rotated file.
type FileAuditor struct {
	logger  *zap.Logger
	rotator *lumberjack.Logger
	once    sync.Once
}

// New returns a Noop auditor when cfg is disabled, otherwise a FileAuditor.
func New(cfg Config) (Auditor, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewFileAuditor(cfg)
}

// NewFileAuditor opens the rotating audit file described by cfg.
func NewFileAuditor(cfg Config) (*FileAuditor, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: path is required")
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "event_type",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), zapcore.InfoLevel)

	return &FileAuditor{logger: zap.New(core), rotator: rotator}, nil
}

// Record appends ev to the audit file.
func (a *FileAuditor) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{zap.Time("occurred_at", ev.Timestamp)}
	if ev.InvestigationID != "" {
		fields = append(fields, zap.String("investigation_id", ev.InvestigationID))
	}
	if ev.AnomalyID != "" {
		fields = append(fields, zap.String("anomaly_id", ev.AnomalyID))
	}
	if ev.Actor != "" {
		fields = append(fields, zap.String("actor", ev.Actor))
	}
	if ev.Version > 0 {
		fields = append(fields, zap.Int64("version", ev.Version))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	if len(ev.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", ev.Metadata))
	}
	a.logger.Info(string(ev.Type), fields...)
}

// Close flushes and closes the underlying file.
func (a *FileAuditor) Close() error {
	var err error
	a.once.Do(func() {
		_ = a.logger.Sync()
		err = a.rotator.Close()
	})
	return err
}
