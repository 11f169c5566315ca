package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/notification"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/ui"
)

var (
	configPath string
	envFiles   []string
	quiet      bool
	jobName    = "aces"

	cfg      properties.Config
	notifier = notification.NewDiscord("", "")
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			location := ui.PanicLocation()
			ui.PrintPanic(r, location)

			errMessage := fmt.Errorf("ACES CLI panic:\n\n%v\n\nLocation: %s\n\nStack trace:\n%s", r, location, debug.Stack())
			if err := notifier.Error(context.Background(), jobName, errMessage); err != nil {
				ui.PrintError(fmt.Sprintf("Failed to send notification: %s", err.Error()))
			}
			os.Exit(2)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		if nerr := notifier.Error(context.Background(), jobName, err); nerr != nil {
			logger.Warnf("Failed to send notification: %v", nerr)
		}
		os.Exit(1)
	}
}
