/*
Copyright 2025 Codenotary Inc. All rights reserved.

SPDX-License-Identifier: BUSL-1.1
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://mariadb.com/bsl11/

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var levelTags = map[LogLevel]string{
	LogDebug: "DEBUG",
	LogInfo:  "INFO",
	LogWarn:  "WARNING",
	LogError: "ERROR",
}

// SimpleLogger writes component-tagged, timestamped lines to a writer:
//
//	2025-08-06T10:21:03Z WARNING cabtree/wal: replay stopped
//
// Derived loggers from WithComponent share the writer and its lock, so
// engine components can log concurrently to one stream.
type SimpleLogger struct {
	shared *sharedOutput

	component string
	level     LogLevel
}

type sharedOutput struct {
	m   sync.Mutex
	out io.Writer
}

// NewSimpleLogger creates a logger tagged with the given component, with
// the threshold taken from the environment.
func NewSimpleLogger(component string, out io.Writer) *SimpleLogger {
	return NewSimpleLoggerWithLevel(component, out, LogLevelFromEnvironment())
}

// NewSimpleLoggerWithLevel ...
func NewSimpleLoggerWithLevel(component string, out io.Writer, level LogLevel) *SimpleLogger {
	return &SimpleLogger{
		shared:    &sharedOutput{out: out},
		component: component,
		level:     level,
	}
}

// WithComponent derives a logger for a subcomponent, keeping the output
// stream and threshold.
func (l *SimpleLogger) WithComponent(component string) *SimpleLogger {
	return &SimpleLogger{
		shared:    l.shared,
		component: component,
		level:     l.level,
	}
}

// Errorf ...
func (l *SimpleLogger) Errorf(f string, v ...interface{}) {
	l.printf(LogError, f, v)
}

// Warningf ...
func (l *SimpleLogger) Warningf(f string, v ...interface{}) {
	l.printf(LogWarn, f, v)
}

// Infof ...
func (l *SimpleLogger) Infof(f string, v ...interface{}) {
	l.printf(LogInfo, f, v)
}

// Debugf ...
func (l *SimpleLogger) Debugf(f string, v ...interface{}) {
	l.printf(LogDebug, f, v)
}

func (l *SimpleLogger) printf(level LogLevel, f string, v []interface{}) {
	if level < l.level {
		return
	}

	line := fmt.Sprintf("%s %s %s: %s\n",
		time.Now().Format(time.RFC3339),
		levelTags[level],
		l.component,
		fmt.Sprintf(f, v...))

	l.shared.m.Lock()
	defer l.shared.m.Unlock()

	io.WriteString(l.shared.out, line)
}

// Close the logger ...
func (l *SimpleLogger) Close() error {
	return nil
}
