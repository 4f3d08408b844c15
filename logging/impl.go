package logging

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	mu        *sync.Mutex
	appenders *[]Appender
}

func (imp *impl) init() {
	if imp.mu == nil {
		imp.mu = &sync.Mutex{}
		imp.appenders = &[]Appender{}
	}
}

// AddAppender adds an output to this logger and to every logger that shares its appenders.
func (imp *impl) AddAppender(appender Appender) {
	imp.init()
	imp.mu.Lock()
	*imp.appenders = append(*imp.appenders, appender)
	imp.mu.Unlock()
}

func (imp *impl) current() []Appender {
	if imp.mu == nil {
		return nil
	}
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return *imp.appenders
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	imp.init()
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		mu:        imp.mu,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var errs []error
	for _, appender := range imp.current() {
		if err := appender.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

// emit builds the entry and hands it to every appender. Appender failures go to stderr since
// there is nowhere else to report them.
func (imp *impl) emit(level Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
		Caller:     getCaller(),
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	for _, appender := range imp.current() {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// fieldsOf pairs up keysAndValues. A trailing key without a value is logged with an error value
// rather than dropped.
func fieldsOf(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 < len(keysAndValues) {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		} else {
			fields = append(fields, zap.Any(key, errors.New("unpaired log key")))
		}
	}
	return fields
}

func (imp *impl) print(level Level, args []interface{}) {
	if level >= imp.level.Get() {
		imp.emit(level, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) printf(level Level, template string, args []interface{}) {
	if level >= imp.level.Get() {
		imp.emit(level, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) printw(level Level, msg string, keysAndValues []interface{}) {
	if level >= imp.level.Get() {
		imp.emit(level, msg, fieldsOf(keysAndValues))
	}
}

func (imp *impl) Debug(args ...interface{}) {
	imp.print(DEBUG, args)
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.printf(DEBUG, template, args)
}

func (imp *impl) Debugw(msg string, kvs ...interface{}) {
	imp.printw(DEBUG, msg, kvs)
}

func (imp *impl) Info(args ...interface{}) {
	imp.print(INFO, args)
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.printf(INFO, template, args)
}

func (imp *impl) Infow(msg string, kvs ...interface{}) {
	imp.printw(INFO, msg, kvs)
}

func (imp *impl) Warn(args ...interface{}) {
	imp.print(WARN, args)
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.printf(WARN, template, args)
}

func (imp *impl) Warnw(msg string, kvs ...interface{}) {
	imp.printw(WARN, msg, kvs)
}

func (imp *impl) Error(args ...interface{}) {
	imp.print(ERROR, args)
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.printf(ERROR, template, args)
}

func (imp *impl) Errorw(msg string, kvs ...interface{}) {
	imp.printw(ERROR, msg, kvs)
}

// getCaller reports the frame that called one of the public log methods.
func getCaller() zapcore.EntryCaller {
	// getCaller <- emit <- print* <- Debug etc. <- caller
	const skip = 4
	var caller zapcore.EntryCaller
	var ok bool
	caller.PC, caller.File, caller.Line, ok = runtime.Caller(skip)
	if !ok {
		return caller
	}
	caller.Defined = true
	if fn := runtime.FuncForPC(caller.PC); fn != nil {
		caller.Function = fn.Name()
	}
	return caller
}
