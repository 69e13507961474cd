package logs

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/rcon"
)

const filtered = "[FILTERED]"

// sensitivePattern matches commands that carry secrets (e.g. "/config set password x").
var sensitivePattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|credential|auth)`)

// CommunicationLogger writes every RCON command, response and error to a
// dedicated JSON-lines file. Authentication exchanges are never traced.
type CommunicationLogger struct {
	logger  *zap.Logger
	config  *config.CommunicationLogConfig
	enabled bool
}

// CommunicationEvent represents a logged communication event
type CommunicationEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"` // "command", "response", "error"
	ServerTag   string         `json:"server"`
	RequestID   string         `json:"request_id,omitempty"`
	PacketID    int32          `json:"packet_id"`
	Command     string         `json:"command,omitempty"`
	Payload     string         `json:"payload,omitempty"`
	PayloadSize int            `json:"payload_size,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
}

// NewCommunicationLogger creates a new communication logger
func NewCommunicationLogger(logConfig *config.LogConfig) (*CommunicationLogger, error) {
	if logConfig == nil || logConfig.Communication == nil || !logConfig.Communication.Enabled {
		return &CommunicationLogger{enabled: false}, nil
	}

	commConfig := logConfig.Communication

	fileLogConfig := &config.LogConfig{
		Level:      logConfig.Level,
		EnableFile: true,
		Filename:   commConfig.Filename,
		LogDir:     logConfig.LogDir,
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
		JSONFormat: true, // Always use JSON format for communication logs
	}

	// Communication events are logged at info; a debug level must not drop them.
	fileCore, err := createFileCore(fileLogConfig, zap.InfoLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create communication log file core: %w", err)
	}

	return newCommunicationLogger(zap.New(fileCore), commConfig), nil
}

func newCommunicationLogger(logger *zap.Logger, commConfig *config.CommunicationLogConfig) *CommunicationLogger {
	return &CommunicationLogger{
		logger:  logger,
		config:  commConfig,
		enabled: true,
	}
}

// ForServer returns an rcon.Tracer that tags every event with serverTag.
// A disabled logger returns nil, which the protocol client treats as "no tracer".
func (cl *CommunicationLogger) ForServer(serverTag string) rcon.Tracer {
	if cl == nil || !cl.enabled {
		return nil
	}
	return &serverTracer{
		cl:        cl,
		serverTag: serverTag,
		requests:  make(map[int32]string),
	}
}

// serverTracer assigns a uuid per command and reuses it for the matching result.
type serverTracer struct {
	cl        *CommunicationLogger
	serverTag string

	mu       sync.Mutex
	requests map[int32]string
}

func (t *serverTracer) TraceCommand(packetID int32, command string) {
	requestID := uuid.NewString()
	t.mu.Lock()
	t.requests[packetID] = requestID
	t.mu.Unlock()

	if !t.cl.config.LogCommands {
		return
	}
	t.cl.logEvent(&CommunicationEvent{
		Timestamp: time.Now(),
		Type:      "command",
		ServerTag: t.serverTag,
		RequestID: requestID,
		PacketID:  packetID,
		Command:   t.cl.redact(command),
	})
}

func (t *serverTracer) TraceResponse(packetID int32, command, body string, elapsed time.Duration) {
	requestID := t.take(packetID)
	if !t.cl.config.LogResponses {
		return
	}
	event := &CommunicationEvent{
		Timestamp: time.Now(),
		Type:      "response",
		ServerTag: t.serverTag,
		RequestID: requestID,
		PacketID:  packetID,
		Command:   t.cl.redact(command),
		Duration:  &elapsed,
	}
	t.cl.addPayload(event, command, body)
	t.cl.logEvent(event)
}

func (t *serverTracer) TraceError(packetID int32, command string, err error, elapsed time.Duration) {
	requestID := t.take(packetID)
	if !t.cl.config.LogErrors {
		return
	}
	t.cl.logEvent(&CommunicationEvent{
		Timestamp: time.Now(),
		Type:      "error",
		ServerTag: t.serverTag,
		RequestID: requestID,
		PacketID:  packetID,
		Command:   t.cl.redact(command),
		Error:     err.Error(),
		Duration:  &elapsed,
	})
}

func (t *serverTracer) take(packetID int32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.requests[packetID]
	delete(t.requests, packetID)
	return id
}

func (cl *CommunicationLogger) redact(command string) string {
	if cl.config.FilterSensitive && sensitivePattern.MatchString(command) {
		return filtered
	}
	return command
}

// addPayload attaches the response body, honoring the size limit and filtering.
func (cl *CommunicationLogger) addPayload(event *CommunicationEvent, command, body string) {
	if !cl.config.IncludePayload {
		return
	}
	event.PayloadSize = len(body)
	if cl.config.FilterSensitive && (sensitivePattern.MatchString(command) || sensitivePattern.MatchString(body)) {
		event.Payload = filtered
		return
	}
	if cl.config.MaxPayloadSize > 0 && len(body) > cl.config.MaxPayloadSize {
		event.Payload = body[:cl.config.MaxPayloadSize] + "..."
		event.Truncated = true
		return
	}
	event.Payload = body
}

// logEvent logs the communication event
func (cl *CommunicationLogger) logEvent(event *CommunicationEvent) {
	fields := []zap.Field{
		zap.String("type", event.Type),
		zap.String("server", event.ServerTag),
		zap.String("request_id", event.RequestID),
		zap.Int32("packet_id", event.PacketID),
		zap.String("command", event.Command),
	}
	if event.Payload != "" {
		fields = append(fields,
			zap.String("payload", event.Payload),
			zap.Int("payload_size", event.PayloadSize),
			zap.Bool("truncated", event.Truncated))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if event.Duration != nil {
		fields = append(fields, zap.Duration("duration", *event.Duration))
	}
	cl.logger.Info("communication_event", fields...)
}

// Close flushes the communication logger
func (cl *CommunicationLogger) Close() error {
	if cl.logger != nil {
		return cl.logger.Sync()
	}
	return nil
}

// IsEnabled returns whether communication logging is enabled
func (cl *CommunicationLogger) IsEnabled() bool {
	return cl.enabled
}

// GetConfig returns the communication log configuration
func (cl *CommunicationLogger) GetConfig() *config.CommunicationLogConfig {
	return cl.config
}
