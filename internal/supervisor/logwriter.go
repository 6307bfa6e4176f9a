package supervisor

import (
	"bytes"

	"grimm.is/shroud/internal/logging"
)

// logWriter forwards a child process's output to the structured log, one
// line per record.
type logWriter struct {
	logger *logging.Logger
	stream string
	buf    bytes.Buffer
}

func newLogWriter(logger *logging.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; put it back for the next write.
			w.buf.WriteString(line)
			break
		}
		line = line[:len(line)-1]
		if line != "" {
			w.logger.Debug(line, "stream", w.stream)
		}
	}
	return len(p), nil
}
