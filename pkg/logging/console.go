// pkg/logging/console.go - Colored console output for interactive commands

package logging

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// Console prints timestamped, colored messages that do not belong in the
// run transcript (listings, usage errors, banners).
type Console struct {
	mu     sync.Mutex
	logger *log.Logger
}

// New creates a Console writing to out.
func New(out io.Writer) *Console {
	enableColors()
	return &Console{logger: log.New(out, "", 0)}
}

func (c *Console) colorPrintf(color, format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	c.logger.Printf("%s[%s] %s%s", color, ts, msg, colorReset)
}

// Printf prints a regular message.
func (c *Console) Printf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05")
	c.logger.Printf("[%s] %s", ts, fmt.Sprintf(format, v...))
}

// Error prints an error message in red.
func (c *Console) Error(format string, v ...interface{}) {
	c.colorPrintf(colorRed, format, v...)
}

// Warning prints a warning message in yellow.
func (c *Console) Warning(format string, v ...interface{}) {
	c.colorPrintf(colorYellow, format, v...)
}
