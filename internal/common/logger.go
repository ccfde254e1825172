package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const (
	logTimeFormat  = "15:04:05"
	logFileName    = "marketfinder.log"
	logFileMaxSize = 100 * 1024 * 1024
)

// InitLogger builds the arbor logger from [logging]. An unusable log
// directory degrades to console-only output.
func InitLogger(config *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	toFile, toConsole := logOutputs(config.Logging.Output)

	if toFile {
		dir, err := logDir(config.Logging.Dir)
		if err == nil {
			err = os.MkdirAll(dir, 0755)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: file output disabled: %v\n", err)
			toConsole = true
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(dir, logFileName),
				TimeFormat: logTimeFormat,
				MaxSize:    logFileMaxSize,
				MaxBackups: 3,
				OutputType: models.OutputFormatLogfmt,
			})
		}
	}

	if toConsole {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: logTimeFormat,
			OutputType: models.OutputFormatLogfmt,
		})
	}

	return logger.WithLevelFromString(config.Logging.Level)
}

func logOutputs(outputs []string) (toFile, toConsole bool) {
	for _, output := range outputs {
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "file":
			toFile = true
		case "stdout", "console":
			toConsole = true
		}
	}
	// Never run silent
	if !toFile && !toConsole {
		toConsole = true
	}
	return toFile, toConsole
}

func logDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "logs"), nil
}
