package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	crashFile      *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

// NetworkMetrics is the per-request timing breakdown collected by the
// traced HTTP client.
type NetworkMetrics struct {
	DNSTimeMs   float64
	ConnTimeMs  float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	TLSProto    string
}

func ResolveDir(flagPath string) (string, error) {
	if flagPath != "" {
		return absPath(flagPath)
	}
	if envPath := os.Getenv("VIVA_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, "diagnostics_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptFile, err = os.OpenFile(filepath.Join(dir, "transcript_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

// InitCrash routes fatal runtime output to crash_log.txt in the log dir.
func InitCrash() {
	f, err := os.OpenFile(filepath.Join(dir, "crash_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	logMu.Lock()
	crashFile = f
	logMu.Unlock()
	debug.SetCrashOutput(f, debug.CrashOptions{})
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	if crashFile != nil {
		crashFile.Close()
		crashFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(sessionID, voiceSessionID string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("voice_session", voiceSessionID).
		Msg("session_start")
}

func SessionEnd(reason string, forced bool, turns int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("reason", reason).
		Bool("forced", forced).
		Int("turns", turns).
		Msg("session_end")
}

func StateChange(from, to string) {
	if !logReady {
		return
	}
	diagLog.Debug().Str("from", from).Str("to", to).Msg("state")
}

func TurnUploaded(seq int, attempts int, audioS, totalMs float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("seq", seq).
		Int("attempts", attempts).
		Float64("audio_s", audioS).
		Float64("total_ms", totalMs).
		Msg("turn_uploaded")
}

func UploadRetry(seq, attempt int, delay time.Duration, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Int("seq", seq).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("upload_retry")
}

func Reconnect(attempt int, delay time.Duration, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Warn().Int("attempt", attempt).Dur("delay", delay)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("reconnect")
}

func Request(method, path string, status int, m NetworkMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	ev := diagLog.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Str("conn", connStatus)
	if m.TLSProto != "" {
		ev = ev.Str("tls_proto", m.TLSProto)
	}
	ev.Float64("dns_ms", m.DNSTimeMs).
		Float64("conn_ms", m.ConnTimeMs).
		Float64("tls_ms", m.TLSTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("request")
}

// Transcript appends one line of session text (question, answer or
// feedback) to transcript_log.txt.
func Transcript(role, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, role, text)
	transcriptFile.WriteString(line)
}
