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

package logger_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/codenotary/cabtree/logger"
	"github.com/stretchr/testify/require"
)

func TestLogLevelFromEnvironment(t *testing.T) {
	for _, d := range []struct {
		env      string
		expected logger.LogLevel
	}{
		{"", logger.LogInfo},
		{"error", logger.LogError},
		{"warn", logger.LogWarn},
		{"info", logger.LogInfo},
		{"debug", logger.LogDebug},
	} {
		t.Run(fmt.Sprintf("LOG_LEVEL=%s", d.env), func(t *testing.T) {
			t.Setenv("LOG_LEVEL", d.env)
			require.Equal(t, d.expected, logger.LogLevelFromEnvironment())
		})
	}
}

func TestSimpleLoggerFiltering(t *testing.T) {
	var buf bytes.Buffer

	l := logger.NewSimpleLoggerWithLevel("cabtree", &buf, logger.LogWarn)
	defer l.Close()

	l.Debugf("debug line")
	l.Infof("info line")
	l.Warningf("warning line")
	l.Errorf("error %d", 42)

	out := buf.String()
	require.NotContains(t, out, "debug line")
	require.NotContains(t, out, "info line")
	require.Contains(t, out, "WARNING cabtree: warning line")
	require.Contains(t, out, "ERROR cabtree: error 42")
}

func TestSimpleLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer

	base := logger.NewSimpleLoggerWithLevel("cabtree", &buf, logger.LogInfo)
	defer base.Close()

	walLog := base.WithComponent("cabtree/wal")
	walLog.Infof("checkpoint at lsn %d", 7)

	base.Infof("tree opened")

	out := buf.String()
	require.Contains(t, out, "INFO cabtree/wal: checkpoint at lsn 7")
	require.Contains(t, out, "INFO cabtree: tree opened")
}

func TestMemoryLogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	ml := logger.NewMemoryLogger()
	defer ml.Close()

	ml.Infof("hello %s!", "world")
	ml.Errorf("Hello %s!", "World")

	require.Len(t, ml.GetLogs(), 1)
	require.Regexp(t, `^\[.*\] ERR: Hello World!`, ml.GetLogs()[0])

	for _, d := range []struct {
		level           logger.LogLevel
		expectedNewLogs int
	}{
		{logger.LogDebug, 4},
		{logger.LogInfo, 3},
		{logger.LogWarn, 2},
		{logger.LogError, 1},
	} {
		t.Run(fmt.Sprintf("filtering test (%+v)", d), func(t *testing.T) {
			ml2 := logger.NewMemoryLoggerWithLevel(d.level)
			ml2.Debugf("DEBUG")
			ml2.Infof("INFO")
			ml2.Warningf("WARNING")
			ml2.Errorf("ERROR")

			require.Equal(t, d.expectedNewLogs, len(ml2.GetLogs()))
		})
	}
}
