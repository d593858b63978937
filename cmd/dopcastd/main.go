// Command dopcastd is the dopcast daemon process: it runs the pipeline
// engine, the scheduler, and the IPC and HTTP control surfaces.
package main

import (
	"context"
	"flag"
	"log"

	"dopcast/internal/config"
	"dopcast/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("dopcastd: %v", err)
	}
}
