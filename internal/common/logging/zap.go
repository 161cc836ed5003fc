package logging

import "go.uber.org/zap"

// NewLogger builds the process logger. Every component receives a Named
// child of this; nothing in the tree logs through anything else.
func NewLogger(name string, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}
