package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/clinicflow/flowbridge/runner"
	"github.com/clinicflow/flowbridge/strategy"
)

var (
	pendingColor = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed, color.Bold)
	faintColor   = color.New(color.Faint)
)

// printEvents prints the events of every run until the returned function is
// called. The function waits for the printer to catch up.
func printEvents(ctx context.Context, w io.Writer, events *runner.Emitter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := events.Subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func formatEvent(ev runner.Event) string {
	c := pendingColor
	switch ev.Status {
	case runner.StatusSuccess:
		c = successColor
	case runner.StatusError:
		c = errorColor
	}

	step := ""
	if ev.StepID != "" {
		step = " " + faintColor.Sprint("["+ev.StepID+"]")
	}

	return fmt.Sprintf("%s %-17s%s %s",
		faintColor.Sprint(ev.Timestamp.Format("15:04:05.000")),
		c.Sprint(ev.Kind),
		step,
		ev.Message,
	)
}

func printStrategies(w io.Writer, list []strategy.Strategy) {
	for _, s := range list {
		fmt.Fprintf(w, "%s  %s (%d steps)\n", successColor.Sprint(s.ID), s.Name, len(s.Steps))
		if s.Description != "" {
			fmt.Fprintf(w, "    %s\n", faintColor.Sprint(s.Description))
		}
	}
}
