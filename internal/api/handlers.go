package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"power-watchdog/internal/db"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
	"power-watchdog/internal/monitor"
	"power-watchdog/internal/notification"
	"power-watchdog/internal/prefs"
	"power-watchdog/pkg/telegram"
)

const defaultListLimit = 100

type Handler struct {
	store      db.Store
	manager    *monitor.SessionManager
	dispatcher *notification.Dispatcher
	prefs      *prefs.Store
	hub        *Hub
	heartbeat  time.Duration
	logger     *logrus.Entry
}

func NewHandler(store db.Store, manager *monitor.SessionManager, dispatcher *notification.Dispatcher, p *prefs.Store, hub *Hub, heartbeat time.Duration, logger *logging.Logger) *Handler {
	return &Handler{
		store:      store,
		manager:    manager,
		dispatcher: dispatcher,
		prefs:      p,
		hub:        hub,
		heartbeat:  heartbeat,
		logger:     logger.Component("api"),
	}
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Errorf("Health check: store unreachable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": "store unreachable"})
		return
	}
	if !monitor.IsAlive(h.prefs, h.heartbeat, time.Now()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) GetStatus(c *gin.Context) {
	status := models.Status{
		Running:        h.prefs.Bool(prefs.KeyServiceRunning),
		Alive:          monitor.IsAlive(h.prefs, h.heartbeat, time.Now()),
		CurrentSession: h.manager.Current(),
		PendingAlerts:  len(h.dispatcher.Pending()),
		LastAlertError: h.prefs.String(prefs.KeyTelegramLastErr, ""),
	}
	status.StartedAt, _ = h.prefs.Int64(prefs.KeyServiceStartTS)
	status.LastHeartbeat, _ = h.prefs.Int64(prefs.KeyLastHeartbeatTS)

	last, err := h.store.LastTransition(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Get last transition failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if last != nil {
		status.PowerState = last.Kind
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) GetEvents(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	events, err := h.store.ListEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Errorf("List events failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) ClearEvents(c *gin.Context) {
	n, err := h.store.ClearEvents(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Clear events failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infof("Cleared %d events", n)
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) GetSessions(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), limit)
	if err != nil {
		h.logger.Errorf("List sessions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handler) PostSignal(c *gin.Context) {
	var sig models.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		h.logger.Errorf("Invalid signal: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig.Source = "http"

	res, err := h.manager.HandleSignal(c.Request.Context(), sig)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) SendTestMessage(c *gin.Context) {
	res := h.dispatcher.SendTest(c.Request.Context())
	h.logger.Infof("Test message: %s", res.Message)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": h.dispatcher.Pending(),
		"recent":  h.dispatcher.Recent(),
	})
}

type settingsView struct {
	Sound           bool   `json:"sound"`
	Vibrate         bool   `json:"vibrate"`
	TelegramEnabled bool   `json:"telegram_enabled"`
	TelegramToken   string `json:"telegram_token"`
	TelegramChatIDs string `json:"telegram_chat_ids"`
	AutoRestart     bool   `json:"autorestart"`
	LastError       string `json:"telegram_last_error,omitempty"`
}

// settingsUpdate fields left out of the request body are not touched.
type settingsUpdate struct {
	Sound           *bool   `json:"sound"`
	Vibrate         *bool   `json:"vibrate"`
	TelegramEnabled *bool   `json:"telegram_enabled"`
	TelegramToken   *string `json:"telegram_token"`
	TelegramChatIDs *string `json:"telegram_chat_ids"`
	AutoRestart     *bool   `json:"autorestart"`
}

func (h *Handler) settings() settingsView {
	return settingsView{
		Sound:           h.prefs.Bool(prefs.KeySound),
		Vibrate:         h.prefs.Bool(prefs.KeyVibrate),
		TelegramEnabled: h.prefs.Bool(prefs.KeyTelegramEnabled),
		TelegramToken:   telegram.MaskToken(h.prefs.String(prefs.KeyTelegramToken, "")),
		TelegramChatIDs: h.prefs.String(prefs.KeyTelegramChatID, ""),
		AutoRestart:     h.prefs.Bool(prefs.KeyAutoRestart),
		LastError:       h.prefs.String(prefs.KeyTelegramLastErr, ""),
	}
}

func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings())
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid settings request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Echoing the masked token back keeps the stored one.
	if t := req.TelegramToken; t != nil && *t != "" && *t == telegram.MaskToken(h.prefs.String(prefs.KeyTelegramToken, "")) {
		req.TelegramToken = nil
	}

	set := map[string]string{}
	var del []string
	setBool := func(key string, v *bool) {
		if v != nil {
			set[key] = strconv.FormatBool(*v)
		}
	}
	setString := func(key string, v *string) {
		if v == nil {
			return
		}
		if s := strings.TrimSpace(*v); s != "" {
			set[key] = s
		} else {
			del = append(del, key)
		}
		// New credentials get a clean slate.
		del = append(del, prefs.KeyTelegramLastErr)
	}
	setBool(prefs.KeySound, req.Sound)
	setBool(prefs.KeyVibrate, req.Vibrate)
	setBool(prefs.KeyTelegramEnabled, req.TelegramEnabled)
	setBool(prefs.KeyAutoRestart, req.AutoRestart)
	setString(prefs.KeyTelegramToken, req.TelegramToken)
	setString(prefs.KeyTelegramChatID, req.TelegramChatIDs)

	if err := h.prefs.Update(set, del); err != nil {
		h.logger.Errorf("Update settings failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infof("Updated %d settings, removed %d", len(set), len(del))
	c.JSON(http.StatusOK, h.settings())
}

// listLimit reads ?limit=. Zero means no limit.
func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
