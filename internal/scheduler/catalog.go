package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-risk/internal/detect"
	"github.com/miradorstack/mirador-risk/internal/models"
)

// CatalogFile is the YAML root of a detector catalog.
type CatalogFile struct {
	Detectors []models.Detector `yaml:"detectors"`
}

// LoadCatalog reads detector definitions from path. An empty path or a missing file yields
// an empty catalog.
func LoadCatalog(path string) ([]models.Detector, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) ([]models.Detector, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode detector catalog: %w", err)
	}
	if err := ValidateCatalog(file.Detectors); err != nil {
		return nil, err
	}
	return file.Detectors, nil
}

// ValidateCatalog reports every invalid detector at once.
func ValidateCatalog(detectors []models.Detector) error {
	var errs []error
	seen := make(map[string]struct{}, len(detectors))
	for i, d := range detectors {
		if strings.TrimSpace(d.ID) == "" {
			errs = append(errs, fmt.Errorf("detectors[%d]: id is required", i))
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("detector %s: duplicate id", d.ID))
		}
		seen[d.ID] = struct{}{}
		if err := ValidateDetector(d); err != nil {
			errs = append(errs, fmt.Errorf("detector %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateDetector checks one definition: known type, at least one metric, parseable schedule.
func ValidateDetector(d models.Detector) error {
	if _, err := detect.New(d.Type, d.Params); err != nil {
		return err
	}
	if len(d.Metrics) == 0 {
		return errors.New("at least one metric is required")
	}
	if _, err := ParseSchedule(d.Schedule); err != nil {
		return err
	}
	if d.Params.Lookback < 0 || d.Params.Cooldown < 0 || d.Params.Window < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// WatchCatalog reloads path whenever it changes and hands valid catalogs to apply. Invalid
// edits are logged and the previous catalog stays active. It blocks until ctx is done.
func WatchCatalog(ctx context.Context, path string, logger *slog.Logger, apply func([]models.Detector)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files atomically, so watch the directory rather than the inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(path)

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("detector catalog watch error", slog.Any("error", err))
		case <-fire:
			fire = nil
			detectors, err := LoadCatalog(path)
			if err != nil {
				logger.Error("detector catalog reload rejected", slog.String("path", path), slog.Any("error", err))
				continue
			}
			logger.Info("detector catalog reloaded", slog.String("path", path), slog.Int("detectors", len(detectors)))
			apply(detectors)
		}
	}
}
