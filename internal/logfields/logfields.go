package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyDaemon     = "daemon"
	KeyDaemonID   = "daemon_id"
	KeyState      = "state"
	KeyPID        = "pid"
	KeyOperation  = "operation"
	KeyAttempt    = "attempt"
	KeyExitCode   = "exit_code"
	KeyJobID      = "job_id"
	KeySource     = "source"
	KeyPath       = "path"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyRemoteAddr = "remote_addr"
	KeyUserAgent  = "user_agent"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Daemon(name string) slog.Attr  { return slog.String(KeyDaemon, name) }
func DaemonID(id string) slog.Attr  { return slog.String(KeyDaemonID, id) }
func State(s string) slog.Attr      { return slog.String(KeyState, s) }
func PID(pid int) slog.Attr         { return slog.Int(KeyPID, pid) }
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }
func Attempt(n int) slog.Attr       { return slog.Int(KeyAttempt, n) }
func ExitCode(code int) slog.Attr   { return slog.Int(KeyExitCode, code) }
func JobID(id string) slog.Attr     { return slog.String(KeyJobID, id) }
func Source(s string) slog.Attr     { return slog.String(KeySource, s) }
func Path(p string) slog.Attr       { return slog.String(KeyPath, p) }
func Method(m string) slog.Attr     { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr     { return slog.Int(KeyStatus, code) }
func RemoteAddr(a string) slog.Attr { return slog.String(KeyRemoteAddr, a) }
func UserAgent(ua string) slog.Attr { return slog.String(KeyUserAgent, ua) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
