// Package turnlog appends one JSON record per orchestrator invocation to a
// JSONL file. Writes go through a buffered channel and a single writer
// goroutine so a slow disk never blocks a turn; when the buffer is full the
// record is dropped and counted.
package turnlog

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"campusdesk/internal/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const prefixLen = 200

// Record captures one turn. Message fields hold prefixes only; full
// conversation text lives in chat memory.
type Record struct {
	TurnID            string            `json:"turn_id"`
	TS                time.Time         `json:"ts"`
	UserID            string            `json:"user_id"`
	SessionID         string            `json:"session_id"`
	UserMessagePrefix string            `json:"user_message_prefix"`
	Intent            string            `json:"intent"`
	RoutingDecision   string            `json:"routing_decision"`
	AgentCalled       string            `json:"agent_called"`
	AgentStatus       string            `json:"agent_status"`
	ValidationOutcome string            `json:"validation_outcome"`
	SideEffects       []string          `json:"side_effects,omitempty"`
	BotResponsePrefix string            `json:"bot_response_prefix"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Prefix truncates s to the logged prefix length, rune-safe.
func Prefix(s string) string {
	runes := []rune(s)
	if len(runes) <= prefixLen {
		return s
	}
	return string(runes[:prefixLen])
}

// Writer is the append-only turn log.
type Writer struct {
	logger *zap.Logger
	file   *os.File

	ch      chan Record
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// New opens (creating directories as needed) the JSONL file at path and
// starts the writer goroutine. bufferSize <= 0 defaults to 256.
func New(path string, bufferSize int) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "",
		LevelKey:       "",
		NameKey:        "",
		CallerKey:      "",
		MessageKey:     "",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)

	w := &Writer{
		logger: zap.New(core),
		file:   f,
		ch:     make(chan Record, bufferSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Log enqueues a record. It never blocks: when the buffer is full the record
// is dropped and the drop counter incremented.
func (w *Writer) Log(rec Record) {
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	select {
	case w.ch <- rec:
	default:
		n := w.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			logging.Get(logging.CategoryTurnLog).Warn("buffer full, %d records dropped", n)
		}
	}
}

// Dropped returns the number of records dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.ch {
		w.logger.Info("",
			zap.String("turn_id", rec.TurnID),
			zap.Time("ts", rec.TS),
			zap.String("user_id", rec.UserID),
			zap.String("session_id", rec.SessionID),
			zap.String("user_message_prefix", Prefix(rec.UserMessagePrefix)),
			zap.String("intent", rec.Intent),
			zap.String("routing_decision", rec.RoutingDecision),
			zap.String("agent_called", rec.AgentCalled),
			zap.String("agent_status", rec.AgentStatus),
			zap.String("validation_outcome", rec.ValidationOutcome),
			zap.Strings("side_effects", rec.SideEffects),
			zap.String("bot_response_prefix", Prefix(rec.BotResponsePrefix)),
			zap.Any("metadata", rec.Metadata),
		)
	}
	if err := w.logger.Sync(); err != nil {
		logging.Get(logging.CategoryTurnLog).Debug("sync: %v", err)
	}
}

// Close drains the buffer, flushes, and closes the file. Log calls after
// Close panic; callers stop producing first.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		close(w.ch)
		<-w.done
		err = w.file.Close()
	})
	return err
}
