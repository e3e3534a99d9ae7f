package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger is a structured logger writing either line-oriented
// key=value text (for local development) or newline-delimited JSON (for
// log aggregation), matching the two output shapes operators expect from
// this kind of service.
type ProductionLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// NewProductionLogger builds a logger for serviceName using the level/format
// recognized from TASKMESH_LOG_LEVEL / TASKMESH_LOG_FORMAT.
func NewProductionLogger(serviceName, level, format string) *ProductionLogger {
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	return &ProductionLogger{
		level:   strings.ToLower(level),
		debug:   strings.ToLower(level) == "debug",
		service: serviceName,
		format:  format,
		output:  os.Stdout,
	}
}

// WithComponent returns a logger that stamps component on every entry.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(context.Background(), "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(context.Background(), "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(_ context.Context, level, msg string, fields map[string]interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   p.service,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	comp := p.component
	if comp == "" {
		comp = p.service
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", ts, level, comp, msg, b.String())
}
