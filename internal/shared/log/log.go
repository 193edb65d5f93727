package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Options struct {
	Level zerolog.Level
	// Out defaults to stderr.
	Out io.Writer
	// JSON disables the console writer, for hosts shipping logs elsewhere.
	JSON bool
}

func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	return lvl, nil
}

func New(module string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = consoleWriter(out)
	}

	return zerolog.New(out).
		Level(opts.Level).
		With().
		Timestamp().
		Str("module", module).
		Logger()
}

// Nop is used by components constructed without a logger.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	out := zerolog.ConsoleWriter{
		Out:           w,
		TimeFormat:    "15:04",
		PartsOrder:    []string{"time", "level", "module", "message"},
		FieldsExclude: []string{"module"},
	}

	out.FormatPartValueByName = func(i any, s string) string {
		if s == "module" && i != nil {
			return strings.ToUpper(fmt.Sprintf("%s", i))
		}
		return ""
	}

	out.FormatFieldName = func(i any) string {
		return fmt.Sprintf("\n         \033[30m- \033[36m%s: \033[0m", i)
	}

	out.FormatErrFieldName = func(i any) string {
		return fmt.Sprintf("\n         \033[30m- \033[31m%s: \033[0m", i)
	}
	return out
}
