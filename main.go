package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nuts-foundation/zorgadresboek/cmd"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("zorgadresboek", pflag.ExitOnError)
	configFile := flags.StringP("config", "c", "", "config file (default: config/zorgadresboek.yml)")
	_ = flags.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configFiles []string
	if *configFile != "" {
		configFiles = append(configFiles, *configFile)
	}
	config, err := cmd.LoadConfig(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cmd.Start(ctx, config); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
}
