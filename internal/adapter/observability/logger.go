package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/imageforge/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger, tagged with the
// service name and deployment environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Debug output only for local development.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
