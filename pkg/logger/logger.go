package logger

import "sync"

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Syncer is implemented by backends that buffer output.
type Syncer interface {
	Sync() error
}

// Logger holds multiple logging backends and dispatches log calls to all of them.
type Logger struct {
	instances []LoggerInstance
}

var (
	singleton *Logger
	mu        sync.RWMutex
)

func getSingleton() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return singleton
}

// Init initializes the global logger with one or more logging backends.
// Calls made before Init are dropped.
func Init(instances ...LoggerInstance) {
	mu.Lock()
	defer mu.Unlock()
	singleton = &Logger{
		instances: instances,
	}
}

// Sync flushes every backend that buffers output.
func Sync() {
	l := getSingleton()
	if l == nil {
		return
	}
	for _, instance := range l.instances {
		if s, ok := instance.(Syncer); ok {
			_ = s.Sync()
		}
	}
}

func dispatch(fn func(LoggerInstance)) {
	l := getSingleton()
	if l == nil {
		return
	}
	for _, instance := range l.instances {
		fn(instance)
	}
}

// Log writes a message at the default log level to all configured backends.
func Log(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Log(message, keyvals...) })
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Info(message, keyvals...) })
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Error(message, keyvals...) })
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Debug(message, keyvals...) })
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	dispatch(func(i LoggerInstance) { i.Fatal(message, keyvals...) })
}

// Scoped prefixes every message with a component name, e.g. "[GraphService] Upserted edge".
type Scoped struct {
	prefix string
}

// Named returns a Scoped logger for the given component.
func Named(component string) Scoped {
	return Scoped{prefix: "[" + component + "] "}
}

func (s Scoped) Debug(message string, keyvals ...any) { Debug(s.prefix+message, keyvals...) }
func (s Scoped) Info(message string, keyvals ...any)  { Info(s.prefix+message, keyvals...) }
func (s Scoped) Warn(message string, keyvals ...any)  { Warn(s.prefix+message, keyvals...) }
func (s Scoped) Error(message string, keyvals ...any) { Error(s.prefix+message, keyvals...) }
