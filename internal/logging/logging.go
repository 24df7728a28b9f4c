// Package logging builds the process-wide zap.Logger used by every
// internal package and cmd/agentrtd, adapted from the teacher's
// cmd/server buildLogger helper.
package logging

import "go.uber.org/zap"

// Build constructs a zap.Logger for level ("debug", "info", "warn",
// "error"). debug gets zap's development config (console-friendly,
// stack traces on warn+); everything else gets the production JSON
// config, since agentrtd is expected to run behind a log collector.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
