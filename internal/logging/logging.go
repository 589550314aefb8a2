// Package logging wires the process logger to stdout plus an append-only
// log file. Handlers log internal error causes here; response bodies never
// carry them.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/shelltop/internal/config"
)

var logFile *os.File

// Init sets up dual logging to stdout and a log file.
// Must be called after config.Load().
func Init() {
	path := config.Cfg.LogPath
	if path == "" {
		path = filepath.Join(config.Cfg.DataPath, "shelltop.log")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// Close flushes and releases the log file, if one was opened.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
