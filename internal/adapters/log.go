package adapters

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/maestro/internal/interfaces"
)

// stageLogger tees adapter log lines to logs/<modality>.log inside the
// job directory and to the job's reporter. A missing or unwritable log
// file degrades to reporter-only logging.
type stageLogger struct {
	rep  interfaces.StageReporter
	file *os.File
	path string
}

func newStageLogger(jobDir, modality string, rep interfaces.StageReporter) *stageLogger {
	path := filepath.Join(jobDir, "logs", modality+".log")
	logger := &stageLogger{rep: rep, path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return logger
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return logger
	}
	logger.file = file
	return logger
}

func (l *stageLogger) Line(line string) {
	if l.rep != nil {
		l.rep.Log(line)
	}
	if l.file != nil {
		l.file.WriteString(strings.TrimRight(line, "\n") + "\n")
	}
}

// Path returns the log file location, whether or not it opened.
func (l *stageLogger) Path() string { return l.path }

// Writer exposes the log file for subprocess output. Lines written
// here land in the file only, not on the reporter.
func (l *stageLogger) Writer() io.Writer {
	if l.file == nil {
		return io.Discard
	}
	return l.file
}

func (l *stageLogger) Close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
