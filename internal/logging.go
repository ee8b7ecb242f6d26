package internal

import "go.uber.org/zap"

// nopLogger is handed to components that weren't given one explicitly: a
// library has no business forcing output on a caller that didn't ask for
// it. New uses Options.Logger instead when the caller passes one.
func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
