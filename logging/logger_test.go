package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShortCallerMarshalFunc(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{file: "/src/points-engine/completion/processor.go", want: "processor.go:42"},
		{file: "/app/vendor/github.com/rs/zerolog/log.go", want: "zerolog/log.go:42"},
	}
	for _, tt := range tests {
		if got := shortCallerMarshalFunc(0, tt.file, 42); got != tt.want {
			t.Errorf("shortCallerMarshalFunc(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
