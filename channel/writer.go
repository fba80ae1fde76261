package channel

import (
	"errors"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/guseggert/shellipc/wire"
	"go.uber.org/zap"
)

const (
	// DefaultWarnThreshold is the frame size above which a warning is logged.
	DefaultWarnThreshold = 512 * 1024
	previewLen           = 512
)

var errInvalidWrite = errors.New("invalid write: frame contains a line terminator")

// lineWriter writes one whole frame per call. Concurrent frames are never interleaved.
type lineWriter struct {
	log *zap.SugaredLogger
	mut sync.Mutex
	w   io.Writer

	warnThreshold int
}

func (w *lineWriter) writeLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return errInvalidWrite
	}
	warnLarge(w.log, "sending large message", line, w.warnThreshold)

	w.mut.Lock()
	defer w.mut.Unlock()
	_, err := io.WriteString(w.w, line+"\n")
	return err
}

// sync flushes the underlying writer to stable storage if it supports it.
// Pipes and terminals usually refuse, which is not an error worth reporting.
func (w *lineWriter) sync() {
	syncer, ok := w.w.(interface{ Sync() error })
	if !ok {
		return
	}
	w.mut.Lock()
	defer w.mut.Unlock()
	if err := syncer.Sync(); err != nil {
		w.log.Debugf("ignoring sync error: %s", err)
	}
}

func warnLarge(log *zap.SugaredLogger, msg string, line string, threshold int) {
	if threshold <= 0 || len(line) <= threshold {
		return
	}
	preview := line
	if len(preview) > previewLen {
		n := previewLen
		for n > 0 && !utf8.RuneStart(preview[n]) {
			n--
		}
		preview = preview[:n] + "..."
	}
	log.Warnw(msg, "SizeKB", (len(line)+1023)/1024, "Preview", preview)
}

// consoleWriter turns every Write into a stdout frame, so console output travels over the channel instead of corrupting it.
type consoleWriter struct {
	ch *Channel
}

func (w *consoleWriter) Write(b []byte) (int, error) {
	text := strings.TrimSuffix(string(b), "\n")
	line, err := wire.EncodeWithScheme(w.ch.scheme, wire.CommandStdout, wire.Field{Key: wire.FieldValue, Value: text})
	if err != nil {
		return 0, err
	}
	if err := w.ch.out.writeLine(line); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Sync lets a consoleWriter back a zapcore.WriteSyncer.
func (w *consoleWriter) Sync() error {
	return nil
}
