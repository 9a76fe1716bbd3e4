// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level        string `json:"level" env:"LOG_LEVEL"` // debug, info, warn, error, fatal
	LogToConsole bool   `json:"log_to_console" env:"LOG_TO_CONSOLE"`
	LogToFile    bool   `json:"log_to_file" env:"LOG_TO_FILE"`
	LogToJSON    bool   `json:"log_to_json" env:"LOG_TO_JSON"`
	FilePath     string `json:"file_path" env:"LOG_FILE"`
	MaxSize      int    `json:"max_size"`    // megabytes
	MaxBackups   int    `json:"max_backups"` // number of backups
	MaxAge       int    `json:"max_age"`     // days
	Compress     bool   `json:"compress"`    // compress old log files
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		LogToConsole: true,
		LogToFile:    false,
		LogToJSON:    false,
		FilePath:     "groupchat.log",
		MaxSize:      10, // 10 MB
		MaxBackups:   5,  // 5 backups
		MaxAge:       30, // 30 days
		Compress:     true,
	}
}

// InitLogger configures the global zerolog logger. Console output goes to stderr
// so it does not interleave with a terminal view writing to stdout.
func InitLogger(config LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	var writers []io.Writer
	if config.LogToConsole {
		if config.LogToJSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, consoleWriter(os.Stderr))
		}
	}
	if config.LogToFile && config.FilePath != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}
	var output io.Writer
	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		NoColor:    false,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"component"},
		FormatLevel: func(i interface{}) string {
			level := strings.ToUpper(fmt.Sprintf("%s", i))
			switch level {
			case "DEBUG":
				return "\033[36m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			case "INFO":
				return "\033[32m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			case "WARN":
				return "\033[33m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			case "ERROR":
				return "\033[31m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			case "FATAL":
				return "\033[35m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			default:
				return "\033[37m[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
			}
		},
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("\033[90m%s\033[0m", i)
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("\033[1m%s\033[0m", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("\033[34m%s\033[0m: ", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("\033[37m%s\033[0m", i)
		},
		FormatErrFieldName: func(i interface{}) string {
			return fmt.Sprintf("\033[31m%s\033[0m: ", i)
		},
		FormatErrFieldValue: func(i interface{}) string {
			return fmt.Sprintf("\033[31m%s\033[0m", i)
		},
	}
}

type Logger struct {
	logger zerolog.Logger
}

func NewLogger(component string) *Logger {
	return &Logger{
		logger: log.With().Str("component", component).Logger(),
	}
}

// New builds a component logger writing JSON lines to w, independent of the global logger.
func New(w io.Writer, component string) *Logger {
	return &Logger{
		logger: zerolog.New(w).With().Timestamp().Str("component", component).Logger(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger: l.logger.With().Interface(key, value).Logger(),
	}
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{
		logger: ctx.Logger(),
	}
}

func (l *Logger) Debug(msg string)                       { l.logger.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l *Logger) Info(msg string)                        { l.logger.Info().Msg(msg) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logger.Info().Msgf(format, v...) }
func (l *Logger) Warn(msg string)                        { l.logger.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l *Logger) Error(msg string)                       { l.logger.Error().Msg(msg) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logger.Error().Msgf(format, v...) }
func (l *Logger) Fatal(msg string)                       { l.logger.Fatal().Msg(msg) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.logger.Fatal().Msgf(format, v...) }

// LogEvent writes a chat lifecycle event with a human readable message and the raw
// event, username and detail as fields.
func (l *Logger) LogEvent(level string, event string, username string, detail string) {
	var message string
	switch event {
	case "login":
		if username != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m logged in", username)
		} else {
			message = "User logged in"
		}
	case "logout":
		if username != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m logged out", username)
		} else {
			message = "User logged out"
		}
	case "connected", "client_connected":
		if username != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m connected", username)
		} else {
			message = "Connected"
		}
	case "disconnected", "client_disconnected":
		if username != "" {
			message = fmt.Sprintf("\033[96m%s\033[0m disconnected", username)
		} else {
			message = "Disconnected"
		}
	case "message_received":
		if username != "" {
			if detail != "" {
				message = fmt.Sprintf("\033[95m%s\033[0m: \033[97m%s\033[0m", username, detail)
			} else {
				message = fmt.Sprintf("Message from \033[95m%s\033[0m", username)
			}
		} else {
			message = "Message received"
		}
	default:
		message = strings.ReplaceAll(event, "_", " ")
		if detail != "" {
			message = fmt.Sprintf("%s: %s", message, detail)
		}
	}

	evt := l.logger.With().Str("event", event)
	if username != "" {
		evt = evt.Str("username", username)
	}
	if detail != "" {
		evt = evt.Str("detail", detail)
	}
	logger := evt.Logger()
	switch level {
	case "debug":
		logger.Debug().Msg(message)
	case "warn":
		logger.Warn().Msg(message)
	case "error":
		logger.Error().Msg(message)
	case "fatal":
		logger.Fatal().Msg(message)
	default:
		logger.Info().Msg(message)
	}
}
