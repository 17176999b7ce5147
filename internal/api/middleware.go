package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/renderpool/internal/logging"
)

// HTTPLoggingMiddleware logs completed requests. Level follows the status
// code; streams and polling of the status endpoints stay at debug so a
// dashboard refreshing every second does not flood the log.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	path := ctx.URL().Path
	status := ctx.Status()
	attrs := []slog.Attr{
		slog.String("method", ctx.Method()),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if query := ctx.URL().RawQuery; query != "" {
		attrs = append(attrs, slog.String("query", query))
	}

	level := slog.LevelDebug
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case !quietPath(path):
		level = slog.LevelInfo
	}
	logging.GetLogger("api").LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
}

func quietPath(path string) bool {
	return path == "/api/health" ||
		strings.HasPrefix(path, "/api/slots") ||
		strings.HasPrefix(path, "/api/events") ||
		strings.HasPrefix(path, "/api/logs/stream")
}
