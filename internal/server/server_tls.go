package server

import (
	"log/slog"
	"strings"
)

// httpsServerErrorLogWriter routes net/http's error log into slog and
// demotes handshake noise from scanners to debug.
type httpsServerErrorLogWriter struct {
	log *slog.Logger
}

func newHTTPSErrorLogWriter(logger *slog.Logger) *httpsServerErrorLogWriter {
	return &httpsServerErrorLogWriter{log: logger}
}

func (w *httpsServerErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		w.log.Warn("https server error", "err", line)
		return len(p), nil
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return len(p), nil
	}
	reason = strings.TrimSpace(reason)
	if isScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return len(p), nil
	}
	w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	return len(p), nil
}

func isScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
