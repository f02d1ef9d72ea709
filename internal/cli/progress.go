// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigchat/internal/runtime"
)

// progressInterval bounds how often repeated download lines are printed.
const progressInterval = 500 * time.Millisecond

// progressPrinter prints runtime events. Consecutive lines about the same
// subject ("Downloading x: 41%", "Downloading x: 42%") are throttled; a new
// subject always prints.
type progressPrinter struct {
	out      io.Writer
	interval time.Duration
	subject  string
	every    *rate.Sometimes
	skipped  string
}

func newProgressPrinter(out io.Writer, interval time.Duration) *progressPrinter {
	return &progressPrinter{out: out, interval: interval}
}

// subjectOf returns the text before the first ": ", or the whole message.
func subjectOf(msg string) string {
	if i := strings.Index(msg, ": "); i > 0 {
		return msg[:i]
	}
	return msg
}

// Event handles one runtime event; it is a runtime.Wait callback.
func (p *progressPrinter) Event(ev runtime.Event) {
	switch ev.Kind {
	case runtime.EventProgress:
		p.progress(ev.Message)
	case runtime.EventReady:
		p.flushSkipped()
		fmt.Fprintf(p.out, "%s %s\n", RenderStatus("ok"), ev.Message)
	case runtime.EventFailed:
		p.flushSkipped()
		fmt.Fprintf(p.out, "%s %s\n", RenderStatus("fail"), ev.Message)
	}
}

func (p *progressPrinter) progress(msg string) {
	if s := subjectOf(msg); s != p.subject || p.every == nil {
		p.flushSkipped()
		p.subject = s
		p.every = &rate.Sometimes{First: 1, Interval: p.interval}
	}
	printed := false
	p.every.Do(func() {
		fmt.Fprintf(p.out, "%s %s\n", DimStyle.Render("..."), msg)
		printed = true
	})
	if printed {
		p.skipped = ""
	} else {
		p.skipped = msg
	}
}

// flushSkipped prints the last throttled line so the final percentage of a
// download is never lost.
func (p *progressPrinter) flushSkipped() {
	if p.skipped != "" {
		fmt.Fprintf(p.out, "%s %s\n", DimStyle.Render("..."), p.skipped)
		p.skipped = ""
	}
}
