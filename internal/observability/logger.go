package observability

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rahul/jarvis/pkg/config"
)

// NewLogger builds the process logger. Console output is human readable when
// stdout is a terminal (format "auto") and JSON otherwise; an optional log
// file is always JSON and rotated by lumberjack.
func NewLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	var console zapcore.Encoder
	if consoleFormat(cfg.Format) {
		c := encCfg
		c.EncodeLevel = zapcore.CapitalColorLevelEncoder
		console = zapcore.NewConsoleEncoder(c)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		console = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(console, zapcore.Lock(os.Stdout), level)}
	if cfg.LogFile != "" {
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEnc),
			zapcore.AddSync(rotatingFile(cfg, cfg.LogFile)),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger, nil
}

func consoleFormat(format string) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}

func rotatingFile(cfg config.LoggerConfig, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// EventType defines the category of a recorded exchange.
type EventType string

const (
	EventTypeLLM    EventType = "llm"
	EventTypePlan   EventType = "plan"
	EventTypeVision EventType = "vision"
)

// Event is one JSON line in the exchange log.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder appends model exchanges to a rotated JSONL file. A nil Recorder
// discards everything.
type Recorder struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func NewRecorder(cfg config.LoggerConfig) *Recorder {
	if cfg.LLMLogFile == "" {
		return nil
	}
	return &Recorder{out: rotatingFile(cfg, cfg.LLMLogFile)}
}

func (r *Recorder) Log(evt Event) {
	if r == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.out.Write(append(data, '\n'))
}

// LogLLM records one prompt/response round trip.
func (r *Recorder) LogLLM(sessionID string, prompt any, response string, toolCalls any) {
	r.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.out.Close()
}
