package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyAppID      = "app_id"
	KeyJobStatus  = "job_status"
	KeyStage      = "stage"
	KeyProgress   = "progress"
	KeyDurationMS = "duration_ms"
	KeyAction     = "action"
	KeyExitCode   = "exit_code"
	KeyWorker     = "worker"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyURL        = "url"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyRequestID  = "request_id"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func AppID(id string) slog.Attr       { return slog.String(KeyAppID, id) }
func JobStatus(s string) slog.Attr    { return slog.String(KeyJobStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Progress(p int) slog.Attr        { return slog.Int(KeyProgress, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Action(a string) slog.Attr       { return slog.String(KeyAction, a) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
