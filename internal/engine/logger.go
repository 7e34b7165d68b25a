package engine

import (
	"io"
	"os"
	"strings"
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/rs/zerolog"
)

// NewLogger builds the plugin logger. format is "json" (default) or
// "console"; w defaults to stderr because stdout belongs to the host.
func NewLogger(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" || format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("plugin", PluginName).Logger()
}

// LogBatchFlushed 记录批次写入成功
func LogBatchFlushed(log zerolog.Logger, b *Batch, poolSlot int, d time.Duration) {
	log.Debug().
		Uint64("batch_id", b.ID).
		Str("kind", b.Kind.String()).
		Int("records", len(b.Records)).
		Str("sealed_by", string(b.SealReason)).
		Int("pool_slot", poolSlot).
		Int("attempts", b.Attempts).
		Dur("duration", d).
		Msg("batch_flushed")
}

// LogWriteRetry 记录可重试的写入失败
func LogWriteRetry(log zerolog.Logger, b *Batch, attempt int, wait time.Duration, err error) {
	log.Warn().
		Uint64("batch_id", b.ID).
		Str("kind", b.Kind.String()).
		Int("attempt", attempt).
		Dur("backoff", wait).
		Err(err).
		Msg("write_retry")
}

// LogIngestionFailed 记录批次被放弃 (重试耗尽或永久错误)
func LogIngestionFailed(log zerolog.Logger, b *Batch, reason string, err error) {
	first, last := b.SlotRange()
	log.Error().
		Uint64("batch_id", b.ID).
		Str("kind", b.Kind.String()).
		Int("records", len(b.Records)).
		Uint64("first_slot", first).
		Uint64("last_slot", last).
		Int("attempts", b.Attempts).
		Str("reason", reason).
		Err(err).
		Msg("ingestion_failed")
}

// LogDroppedOnShutdown 记录关闭时未能落盘的批次
func LogDroppedOnShutdown(log zerolog.Logger, b *Batch) {
	first, last := b.SlotRange()
	log.Error().
		Uint64("batch_id", b.ID).
		Str("kind", b.Kind.String()).
		Int("records", len(b.Records)).
		Uint64("first_slot", first).
		Uint64("last_slot", last).
		Msg("dropped_on_shutdown")
}

// LogBackpressure 记录队列满导致的拒绝; suppressed 为被采样丢弃的同类日志数
func LogBackpressure(log zerolog.Logger, kind models.Kind, depth int, suppressed uint64) {
	log.Warn().
		Str("kind", kind.String()).
		Int("queue_depth", depth).
		Uint64("suppressed", suppressed).
		Msg("notification_rejected_backpressure")
}
