// Package ui prints the interactive parts of the CLI: banner, coloured
// status lines and panic reports.
package ui

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
)

// Out receives every message; tests swap it out.
var Out io.Writer = os.Stdout

var (
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed)
	success = color.New(color.FgGreen)
	info    = color.New(color.FgBlue)
	banner  = color.New(color.FgCyan)
)

func PrintBanner() {
	banner.Fprintln(Out, figure.NewFigure("ACES", "isometric1", true).String())
	banner.Fprintln(Out, figure.NewFigure("Land Cover", "small", true).String())
}

func PrintWarning(message string) {
	warning.Fprintf(Out, "\nWarning:\n%s\n", message)
}

func PrintError(message string) {
	failure.Fprintf(Out, "\nError: %s\n", message)
}

func PrintSuccess(message string) {
	success.Fprintf(Out, "\n%s\n", message)
}

func PrintInfo(message string) {
	info.Fprintln(Out, message)
}

// PrintTable prints aligned key/value rows.
func PrintTable(keys []string, values map[string]float64) {
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	for _, k := range keys {
		info.Fprintf(Out, "%-*s  ", width, k)
		fmt.Fprintf(Out, "%g\n", values[k])
	}
}

// PanicLocation names the frame that panicked, skipping the runtime and the
// deferred recover handler.
func PanicLocation() string {
	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		return "Unknown location"
	}
	return fmt.Sprintf("%s:%d in %s", file, line, runtime.FuncForPC(pc).Name())
}

func PrintPanic(r interface{}, location string) {
	failure.Fprintf(Out, "\nPANIC: %v\n", r)
	failure.Fprintf(Out, "Location: %s\n", location)
	failure.Fprintln(Out, "Please check the input and try again.")
	failure.Fprintln(Out, "Exiting...")
}
