package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"firestige.xyz/flowtrack/internal/core"
)

// ConsoleConfig configures the console exporter.
type ConsoleConfig struct {
	Enabled bool
	Format  string    // "json" (default) or "text"
	Writer  io.Writer // Defaults to stdout
}

// Console writes records as JSON lines or one-line text.
type Console struct {
	w      io.Writer
	format string
	enc    *json.Encoder
}

// NewConsole creates a console exporter.
func NewConsole(cfg ConsoleConfig) (*Console, error) {
	switch cfg.Format {
	case "":
		cfg.Format = "json"
	case "json", "text":
	default:
		return nil, fmt.Errorf("%w: console format %q, must be json or text", core.ErrConfigInvalid, cfg.Format)
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	return &Console{w: cfg.Writer, format: cfg.Format, enc: json.NewEncoder(cfg.Writer)}, nil
}

func (c *Console) Name() string { return "console" }

// Export writes one line per record.
func (c *Console) Export(_ context.Context, batch []Record) error {
	for i := range batch {
		if err := c.write(&batch[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) write(r *Record) error {
	if c.format == "json" {
		if err := c.enc.Encode(r); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return nil
	}
	_, err := fmt.Fprintf(c.w, "[%s] %s:%d -> %s:%d proto=%d pkts=%d/%d bytes=%d/%d dur=%dms end=%s\n",
		r.End.Format("15:04:05.000"),
		r.Src, r.SrcPort,
		r.Dst, r.DstPort,
		r.Protocol,
		r.PacketsFwd, r.PacketsRev,
		r.BytesFwd, r.BytesRev,
		r.DurationMs,
		r.EndReason,
	)
	return err
}

func (c *Console) Close() error { return nil }
