package server

import "log/slog"

// slogWriter adapts a *slog.Logger to the io.Writer gorilla/handlers'
// CombinedLoggingHandler writes Apache-style access log lines to.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}
