package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/logging"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents a human-readable operational event
type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Component   string            `json:"component"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
}

// NotificationChannel represents a notification delivery channel
type NotificationChannel interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// Config holds alerting configuration
type Config struct {
	Enabled    bool          `json:"enabled"`
	QueueSize  int           `json:"queue_size"`
	RateLimit  int           `json:"rate_limit"`
	RateWindow time.Duration `json:"rate_window"`
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		QueueSize:  256,
		RateLimit:  100,
		RateWindow: time.Hour,
	}
}

// Service delivers alerts through a bounded outbound queue consumed by a
// single worker, so delivery failures never block the request path. When the
// queue is full the oldest pending alert is dropped.
type Service struct {
	channels []NotificationChannel
	queue    chan *Alert
	logger   *logging.Logger
	config   *Config

	mutex       sync.Mutex
	alertCounts map[string]int
	lastReset   time.Time
	dropped     uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewService creates a new alerting service
func NewService(logger *logging.Logger, config *Config) *Service {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	return &Service{
		channels:    make([]NotificationChannel, 0),
		queue:       make(chan *Alert, config.QueueSize),
		logger:      logger,
		config:      config,
		alertCounts: make(map[string]int),
		lastReset:   time.Now(),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// Start launches the delivery worker
func (s *Service) Start(ctx context.Context) {
	go s.deliverLoop(ctx)
}

// Stop shuts the delivery worker down and waits for it to drain
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done
}

// Publish enqueues an alert without blocking the caller. If the queue is
// full, the oldest pending alert is dropped to make room.
func (s *Service) Publish(alert *Alert) {
	if !s.config.Enabled {
		return
	}

	if !s.checkRateLimit(alert.Component) {
		s.logger.Warn("Alert rate limit exceeded",
			"component", alert.Component,
			"title", alert.Title,
		)
		return
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Component, alert.Timestamp.UnixNano())
	}

	for {
		select {
		case s.queue <- alert:
			return
		default:
		}
		select {
		case old := <-s.queue:
			s.mutex.Lock()
			s.dropped++
			s.mutex.Unlock()
			s.logger.Warn("Alert queue full, dropping oldest alert",
				"dropped_id", old.ID,
				"dropped_title", old.Title,
			)
		default:
		}
	}
}

// Dropped returns the number of alerts dropped due to queue overflow
func (s *Service) Dropped() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dropped
}

func (s *Service) deliverLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			// Drain what is already queued before exiting
			for {
				select {
				case alert := <-s.queue:
					s.deliver(ctx, alert)
				default:
					return
				}
			}
		case alert := <-s.queue:
			s.deliver(ctx, alert)
		}
	}
}

func (s *Service) deliver(ctx context.Context, alert *Alert) {
	s.mutex.Lock()
	channels := make([]NotificationChannel, len(s.channels))
	copy(channels, s.channels)
	s.mutex.Unlock()

	for _, channel := range channels {
		if err := channel.Send(ctx, alert); err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"channel":  channel.Name(),
				"alert_id": alert.ID,
			}).Error("Failed to send alert notification")
		}
	}
}

func (s *Service) checkRateLimit(component string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	if now.Sub(s.lastReset) >= s.config.RateWindow {
		s.alertCounts = make(map[string]int)
		s.lastReset = now
	}

	count := s.alertCounts[component]
	if s.config.RateLimit > 0 && count >= s.config.RateLimit {
		return false
	}

	s.alertCounts[component] = count + 1
	return true
}

// NewThrottleActivatedAlert builds the alert emitted when a provider's
// effective RPM ceiling is cut after a rejection spike.
func NewThrottleActivatedAlert(providerID string, rejections, oldRPM, newRPM int) *Alert {
	return &Alert{
		Title:    fmt.Sprintf("Provider %s throttled", providerID),
		Severity: SeverityWarning,
		Description: fmt.Sprintf(
			"Provider %s returned %d rejections in the last minute; effective RPM reduced from %d to %d",
			providerID, rejections, oldRPM, newRPM),
		Component: "throttle",
		Labels: map[string]string{
			"provider": providerID,
			"old_rpm":  fmt.Sprintf("%d", oldRPM),
			"new_rpm":  fmt.Sprintf("%d", newRPM),
			"trigger":  "rejection_spike",
		},
	}
}

// NewThrottleRestoredAlert builds the alert emitted when a provider's
// effective RPM ceiling steps back up after a stable period.
func NewThrottleRestoredAlert(providerID string, oldRPM, newRPM int) *Alert {
	return &Alert{
		Title:    fmt.Sprintf("Provider %s throughput restored", providerID),
		Severity: SeverityInfo,
		Description: fmt.Sprintf(
			"Provider %s stable; effective RPM raised from %d to %d",
			providerID, oldRPM, newRPM),
		Component: "throttle",
		Labels: map[string]string{
			"provider": providerID,
			"old_rpm":  fmt.Sprintf("%d", oldRPM),
			"new_rpm":  fmt.Sprintf("%d", newRPM),
			"trigger":  "stable_period",
		},
	}
}

// LoggingChannel logs alerts to the application logger
type LoggingChannel struct {
	logger *logging.Logger
}

// NewLoggingChannel creates a new logging alert channel
func NewLoggingChannel(logger *logging.Logger) *LoggingChannel {
	return &LoggingChannel{logger: logger}
}

// Name returns the channel name
func (lc *LoggingChannel) Name() string {
	return "logging"
}

// Send handles an alert by logging it
func (lc *LoggingChannel) Send(ctx context.Context, alert *Alert) error {
	fields := logging.Fields{
		"alert_id":  alert.ID,
		"severity":  alert.Severity,
		"component": alert.Component,
	}
	for key, value := range alert.Labels {
		fields["label_"+key] = value
	}

	entry := lc.logger.WithFields(fields)
	switch alert.Severity {
	case SeverityInfo:
		entry.Info("ALERT: " + alert.Title)
	case SeverityWarning:
		entry.Warn("ALERT: " + alert.Title)
	default:
		entry.Error("ALERT: " + alert.Title)
	}

	return nil
}
