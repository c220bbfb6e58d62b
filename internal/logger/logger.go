package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FieldApp      = "app"
	FieldCategory = "category"
)

var (
	Log     *logrus.Logger
	AppLog  *logrus.Entry
	MainLog *logrus.Entry
	CfgLog  *logrus.Entry
	TopoLog *logrus.Entry
	PlanLog *logrus.Entry
	SimLog  *logrus.Entry
	RptLog  *logrus.Entry
)

func init() {
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000",
	})

	AppLog = Log.WithField(FieldApp, "starnet")
	MainLog = AppLog.WithField(FieldCategory, "Main")
	CfgLog = AppLog.WithField(FieldCategory, "CFG")
	TopoLog = AppLog.WithField(FieldCategory, "Topo")
	PlanLog = AppLog.WithField(FieldCategory, "Plan")
	SimLog = AppLog.WithField(FieldCategory, "Sim")
	RptLog = AppLog.WithField(FieldCategory, "Report")
}

// SetLogLevel parses level ("debug", "info", ...) and applies it.
// An unknown level leaves the current one in place and is reported.
func SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		MainLog.Warnf("log level [%s] is invalid, keeping [%s]", level, Log.GetLevel())
		return
	}
	Log.SetLevel(lvl)
}

// SetLogFile sends log output to a size-rotated file as well as stderr.
// An empty filename restores stderr-only output.
func SetLogFile(filename string, maxSizeMB, maxBackups int) {
	if len(filename) == 0 {
		Log.SetOutput(os.Stderr)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     28,
		Compress:   true,
	}
	Log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
