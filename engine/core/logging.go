package core

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

var (
	subMu      sync.Mutex
	subLoggers = map[string]*log.Logger{}
)

func getLogger() *logger {
	once.Do(
		func() {
			l := log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				TimeFormat:      time.RFC3339,
				Prefix:          "Anima RT 🔦",
				Level:           log.InfoLevel,
			})
			singleton = &logger{l}
		})
	return singleton
}

// SetLogLevel changes the level of the process logger and of every
// sub-logger handed out by Logger. Unknown level names are rejected.
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	getLogger().SetLevel(lvl)

	subMu.Lock()
	defer subMu.Unlock()
	for _, l := range subLoggers {
		l.SetLevel(lvl)
	}
	return nil
}

// LogLevel returns the level of the process logger.
func LogLevel() log.Level {
	return getLogger().GetLevel()
}

// Logger returns the sub-logger tagged with the component name. Every
// call with the same name shares one logger.
func Logger(component string) *log.Logger {
	subMu.Lock()
	defer subMu.Unlock()
	if l, ok := subLoggers[component]; ok {
		return l
	}
	l := getLogger().With("component", component)
	subLoggers[component] = l
	return l
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Fatalf(msg, args...)
}
