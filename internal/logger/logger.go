package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	debugEnabled bool = false
	log               = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func Init(debug bool) {
	debugEnabled = debug
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects all log output, used by tests to capture lines.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func DebugEnabled() bool {
	return debugEnabled
}

func Debug(format string, v ...interface{}) {
	if debugEnabled {
		log.Debugf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	log.Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	log.Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	log.Errorf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}
