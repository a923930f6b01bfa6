package signals

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
)

// SysfsSource polls a power_supply "online" attribute, which reads 1 while
// mains power is present and 0 otherwise.
type SysfsSource struct {
	path     string
	interval time.Duration
	logger   *logrus.Entry
}

func NewSysfsSource(path string, interval time.Duration, logger *logging.Logger) *SysfsSource {
	return &SysfsSource{path: path, interval: interval, logger: logger.Component("sysfs")}
}

func (s *SysfsSource) Name() string { return "sysfs" }

func (s *SysfsSource) read() (models.EventKind, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.path, err)
	}
	switch v := strings.TrimSpace(string(data)); v {
	case "1":
		return models.KindConnected, nil
	case "0":
		return models.KindDisconnected, nil
	default:
		return "", fmt.Errorf("unexpected value %q in %s", v, s.path)
	}
}

func (s *SysfsSource) Initial(context.Context) (models.EventKind, bool, error) {
	kind, err := s.read()
	if err != nil {
		return "", false, err
	}
	return kind, true, nil
}

// Run emits a signal whenever the attribute changes. Read errors are
// logged and retried on the next tick.
func (s *SysfsSource) Run(ctx context.Context, emit func(models.Signal)) error {
	last, err := s.read()
	if err != nil {
		s.logger.Warnf("Initial read failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			kind, err := s.read()
			if err != nil {
				s.logger.Warnf("Read failed: %v", err)
				continue
			}
			if kind == last {
				continue
			}
			if last != "" {
				s.logger.Infof("Power supply changed %s -> %s", last, kind)
			}
			last = kind
			emit(models.Signal{Kind: kind, Timestamp: time.Now().UnixMilli(), Source: s.Name()})
		}
	}
}
