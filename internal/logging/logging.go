// Package logging builds the zap logger shared by every pipeline component
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New sets up a zap logger in the given level and encoding ("console" or "json").
// Output goes to stderr so stdout stays free for reports.
func New(level, encoding string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	prodConfig := zap.NewProductionConfig()
	prodConfig.Level = zap.NewAtomicLevelAt(lvl)
	prodConfig.Encoding = encoding
	prodConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	prodConfig.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	prodConfig.OutputPaths = []string{"stderr"}
	prodConfig.ErrorOutputPaths = []string{"stderr"}
	if encoding == "console" {
		prodConfig.Sampling = nil
	}

	return prodConfig.Build()
}
