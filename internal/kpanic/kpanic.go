// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package kpanic provides the kernel's single failure-reporting path for
// precondition violations: Pintos's ASSERT macro, re-expressed as a
// structured zerolog event that names the offending file, line and
// thread before panicking. There is no other error-handling mode for
// these failures: a violated precondition is always a programming
// error, never a value the caller is expected to recover from.
package kpanic

import (
	"fmt"
	"io"
	"runtime"

	"github.com/rs/zerolog"
)

// The default logger writes nowhere but stays at zerolog's default
// (enabled) level. zerolog.Nop() is deliberately not used here: it sets
// the Disabled level, which short-circuits Panic-level events too, and
// an assertion that silently fails to panic is worse than one that
// merely logs to nothing.
var logger = zerolog.New(io.Discard)

// SetLogger installs the logger used by Assertf. cmd/pintosim calls this
// once at boot with its configured zerolog.Logger; tests leave it as the
// no-op default so assertion failures still panic (and so testify can
// assert.Panics on them) without spamming test output.
func SetLogger(l zerolog.Logger) { logger = l }

// Assertf panics with a message naming the caller's file and line if
// cond is false. Callers are expected to fold thread identity into the
// format string (e.g. "%s already holds this lock", t.Name()) since this
// package cannot import internal/sched without creating an import cycle
// (sched itself will want to assert its own invariants).
func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	msg := fmt.Sprintf(format, args...)
	logger.Panic().Str("file", file).Int("line", line).Msg(msg)
}
