package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivonnyssen/rusty-photon/client"
	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/events"
	"github.com/ivonnyssen/rusty-photon/logger"
	"github.com/ivonnyssen/rusty-photon/process"
)

var (
	configPath     string
	executablePath string
	debug          bool
	printVersion   bool
)

const (
	version = "0.3.0"
)

func main() {
	parseFlags()

	if printVersion {
		fmt.Printf("phd2ctl %s\n", version)
		return
	}

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	log, err := setupLogger(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %s\n", err)
		os.Exit(1)
	}
	log.AddClientVersion(version)

	if err := run(log, conf); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func parseFlags() {
	flag.StringVar(&configPath, "config", "", "Path to the config file")
	flag.StringVar(&executablePath, "executable", "", "Path to the guider executable, overriding the config")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&printVersion, "version", false, "Print the version and exit")
	flag.Parse()
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func setupLogger(conf config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		ConsoleWriters: []io.Writer{os.Stdout},
		FilePath:       conf.LogPath,
		Debug:          debug,
	})
}

func run(log *logger.Logger, conf config.Config) error {
	manager := process.New(log.GetComponentLogger("Process"), conf.Guider)

	startedByUs := false
	if conf.Guider.AutoStart && !manager.Reachable() {
		if err := manager.Start(executablePath); err != nil {
			return err
		}
		startedByUs = true

		log.Infof("Waiting for the guider to accept sessions at %s", conf.Guider.Address())
		if err := manager.WaitUntilReachable(conf.Guider.ConnectionTimeout); err != nil {
			manager.Stop(nil)
			return err
		}
	}

	session := client.New(log.GetComponentLogger("Client"), conf.Guider, conf.Settle)
	if err := session.Connect(); err != nil {
		if startedByUs {
			manager.Stop(nil)
		}
		return err
	}

	subscription := session.Subscribe()
	go func() {
		for notification := range subscription.Notifications() {
			logNotification(log, notification)
		}
	}()

	osShutdownChan := make(chan os.Signal, 1)
	signal.Notify(osShutdownChan, os.Interrupt, syscall.SIGTERM)
	<-osShutdownChan

	log.Info("Shutting down")
	subscription.Unsubscribe()

	if startedByUs {
		if err := manager.Stop(session); err != nil {
			log.Error(err)
		}
	}

	session.Close()
	return nil
}

func logNotification(log *logger.Logger, notification *events.Notification) {
	switch notification.Event {
	case events.GuideStep:
		var step events.GuideStepPayload
		if err := notification.Decode(&step); err == nil {
			log.Debugf("guide step frame=%d dx=%.2f dy=%.2f", step.Frame, step.Dx, step.Dy)
			return
		}
	case events.Alert:
		var alert events.AlertPayload
		if err := notification.Decode(&alert); err == nil {
			log.Infof("guider alert (%s): %s", alert.Type, alert.Msg)
			return
		}
	}
	log.Infof("event %s: %s", notification.Event, string(notification.Raw()))
}
