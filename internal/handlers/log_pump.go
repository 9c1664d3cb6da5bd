package handlers

import (
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/maestro/internal/common"
)

// logPumpBuffer bounds the batch channel between arbor and the pump.
const logPumpBuffer = 10

// LogPump mirrors the service log stream to connected socket clients,
// so operators watching a job also see the orchestrator's own warnings
// without tailing maestro.log. It consumes arbor's channel writer
// (registered via SetChannel) and forwards matching entries to the
// WebSocket handler.
type LogPump struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        plog.Level
	excludePatterns []string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLogPump attaches the pump to the logger and starts forwarding.
// Chatty transport lines are excluded so the socket does not echo its
// own traffic.
func NewLogPump(handler *WebSocketHandler, logger arbor.ILogger) *LogPump {
	p := &LogPump{
		handler:  handler,
		channel:  make(chan []arbormodels.LogEvent, logPumpBuffer),
		minLevel: plog.WarnLevel,
		excludePatterns: []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"SSE stream opened",
			"SSE client disconnected",
			"HTTP request",
			"HTTP response",
		},
		done: make(chan struct{}),
	}

	logger.SetChannel("websocket", p.channel)

	p.wg.Add(1)
	common.SafeGo(logger, "log-pump", p.run)
	return p
}

func (p *LogPump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case batch := <-p.channel:
			for _, event := range batch {
				p.forward(event)
			}
		}
	}
}

func (p *LogPump) forward(event arbormodels.LogEvent) {
	if event.Level < p.minLevel {
		return
	}
	for _, pattern := range p.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}
	p.handler.BroadcastLog(LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     levelString(event.Level),
		Message:   event.Message,
	})
}

// Stop halts forwarding; buffered batches are dropped.
func (p *LogPump) Stop() {
	close(p.done)
	p.wg.Wait()
}

// levelString maps phuslu/log levels to wire strings.
func levelString(level plog.Level) string {
	switch level {
	case plog.ErrorLevel, plog.FatalLevel, plog.PanicLevel:
		return "error"
	case plog.WarnLevel:
		return "warn"
	case plog.DebugLevel, plog.TraceLevel:
		return "debug"
	default:
		return "info"
	}
}

// LogEntry is the service log frame shape pushed to socket clients.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
