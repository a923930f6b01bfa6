package providers

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
)

// LocalAlerter raises a local sound or vibration alert on power loss.
type LocalAlerter interface {
	Alert(ctx context.Context, sound, vibrate bool)
}

// LogAlerter only writes the alert to the log.
type LogAlerter struct {
	logger *logrus.Entry
}

func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Component("alert")}
}

func (a *LogAlerter) Alert(_ context.Context, sound, vibrate bool) {
	a.logger.WithFields(logrus.Fields{"sound": sound, "vibrate": vibrate}).Warn("Power lost, local alert raised")
}

// CommandAlerter runs an external command, for example a buzzer script.
// POWER_ALERT_SOUND and POWER_ALERT_VIBRATE are exported to it.
type CommandAlerter struct {
	command string
	timeout time.Duration
	logger  *logrus.Entry
}

func NewCommandAlerter(command string, timeout time.Duration, logger *logging.Logger) *CommandAlerter {
	return &CommandAlerter{command: command, timeout: timeout, logger: logger.Component("alert")}
}

func (a *CommandAlerter) Alert(ctx context.Context, sound, vibrate bool) {
	fields := strings.Fields(a.command)
	if len(fields) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Env = append(cmd.Environ(),
		"POWER_ALERT_SOUND="+boolEnv(sound),
		"POWER_ALERT_VIBRATE="+boolEnv(vibrate),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		a.logger.Errorf("Alert command %q failed: %v (%s)", a.command, err, strings.TrimSpace(string(out)))
		return
	}
	a.logger.Infof("Alert command %q completed", a.command)
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// NewLocalAlerter returns a CommandAlerter when command is set, else a LogAlerter.
func NewLocalAlerter(command string, logger *logging.Logger) LocalAlerter {
	if strings.TrimSpace(command) == "" {
		return NewLogAlerter(logger)
	}
	return NewCommandAlerter(command, 10*time.Second, logger)
}
