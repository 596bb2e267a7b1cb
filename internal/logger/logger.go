// Package logger предоставляет логирование с префиксом компонента и асинхронной записью,
// чтобы не блокировать цикл событий. Вывод форматируется zerolog (консоль в dev, JSON в production).
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const asyncBufferSize = 8192

var (
	prefix   string
	logLevel = levelInfo
	ch       chan entry
	once     sync.Once
	out      zerolog.Logger
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelError
)

type entry struct {
	lvl level
	tag string
	msg string
}

func parseLevel(s string) level {
	switch s {
	case "debug", "trace":
		return levelDebug
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func initLevel() {
	logLevel = parseLevel(os.Getenv("LOG_LEVEL"))
}

func initWorker() {
	initLevel()
	if os.Getenv("APP_ENV") == "production" {
		out = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			var ev *zerolog.Event
			switch e.lvl {
			case levelDebug:
				ev = out.Debug()
			case levelError:
				ev = out.Error()
			default:
				ev = out.Info()
			}
			if e.tag != "" {
				ev = ev.Str("svc", e.tag)
			}
			ev.Msg(e.msg)
		}
	}()
}

func enqueue(lvl level, msg string) {
	once.Do(initWorker)
	if lvl < logLevel {
		return
	}
	select {
	case ch <- entry{lvl: lvl, tag: prefix, msg: msg}:
	default:
		// Буфер полон — не блокируем, теряем лог
	}
}

// SetLevel переопределяет уровень из LOG_LEVEL (например, значением из YAML).
// Вызывать до запуска горутин, которые пишут в лог.
func SetLevel(s string) {
	once.Do(initWorker)
	logLevel = parseLevel(s)
}

// SetPrefix задаёт префикс для всех последующих логов (например "syncd").
func SetPrefix(p string) {
	prefix = p
}

// Debug пишет отладочное сообщение (только при LOG_LEVEL=debug).
func Debug(v ...any) {
	enqueue(levelDebug, fmt.Sprint(v...))
}

// Debugf форматирует отладочное сообщение.
func Debugf(format string, v ...any) {
	enqueue(levelDebug, fmt.Sprintf(format, v...))
}

// Info пишет в лог с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(levelInfo, fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(levelInfo, fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(levelError, fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(levelError, fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(levelInfo, fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("engine.Resync", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
