// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command doomsday is the certificate expiry monitor: `doomsday server`
// runs the monitor, every other subcommand talks to a running server's
// API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/config"
	"github.com/gravitational/doomsday/lib/service"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

// Process exit codes. Config problems and bind failures get dedicated
// codes so init systems can tell them apart.
const (
	exitOK = iota
	exitConfigError
	exitBindFailure
	exitError
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("doomsday", "Tracks certificate expiry across secret stores and live endpoints.")
	app.HelpFlag.Short('h')

	var cli cliState

	serverCmd := app.Command("server", "Run the doomsday server.")
	serverCmd.Flag("config", "Path to the YAML configuration file.").Short('c').Default("doomsday.yml").StringVar(&cli.configPath)
	serverCmd.Flag("log-level", "Log level: DEBUG, INFO, WARN or ERROR.").StringVar(&cli.logLevel)
	serverCmd.Flag("log-format", "Log format: text or json.").StringVar(&cli.logFormat)

	targetCmd := app.Command("target", "Add a doomsday server target, or show the current one.")
	targetCmd.Arg("name", "Name for the target.").StringVar(&cli.targetName)
	targetCmd.Arg("address", "Server base URL, e.g. https://doomsday.example.com.").StringVar(&cli.targetAddress)
	targetCmd.Flag("skip-verify", "Skip TLS verification of the server.").Short('k').BoolVar(&cli.targetSkipVerify)

	app.Command("targets", "List the saved targets.")

	authCmd := app.Command("auth", "Authenticate against the current target.")
	authCmd.Arg("username", "Username to log in as.").StringVar(&cli.username)

	app.Command("info", "Show server version and auth mode.")

	listCmd := app.Command("list", "List tracked certificates.")
	listCmd.Flag("within", "Only certificates expiring within this duration, e.g. 30d, 6M.").StringVar(&cli.within)
	listCmd.Flag("beyond", "Only certificates expiring beyond this duration.").StringVar(&cli.beyond)

	app.Command("dashboard", "Summarize expiry pressure across the catalog.")
	app.Command("backends", "Show per-backend refresh stats.")

	refreshCmd := app.Command("refresh", "Ask the server to re-scrape backends now.")
	refreshCmd.Flag("backends", "Backend to refresh, repeatable. Default is all.").StringsVar(&cli.backends)

	app.Command("scheduler", "Show scheduler load.")
	app.Command("version", "Print the CLI version.")

	command, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	switch command {
	case serverCmd.FullCommand():
		return runServer(&cli)
	case "version":
		printVersion()
		return exitOK
	}

	if err := runClientCommand(command, &cli); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return exitError
	}
	return exitOK
}

// cliState collects every flag and argument across subcommands.
type cliState struct {
	configPath string
	logLevel   string
	logFormat  string

	targetName       string
	targetAddress    string
	targetSkipVerify bool

	username string
	within   string
	beyond   string
	backends []string
}

func runServer(cli *cliState) int {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return exitConfigError
	}

	if _, err := logutils.Initialize(logSettings(cfg, cli)); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return exitConfigError
	}

	process, err := service.New(cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := process.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		if errors.Is(err, service.ErrBindFailed) {
			return exitBindFailure
		}
		return exitError
	}
	return exitOK
}

// logSettings merges the config file's log section with the CLI flags,
// flags winning.
func logSettings(cfg *config.Config, cli *cliState) logutils.Config {
	settings := logutils.Config{
		Severity: cfg.Log.Level,
		Format:   cfg.Log.Format,
	}
	if cli.logLevel != "" {
		settings.Severity = cli.logLevel
	}
	if cli.logFormat != "" {
		settings.Format = cli.logFormat
	}
	return settings
}

func printVersion() {
	if doomsday.Gitref != "" {
		fmt.Printf("doomsday v%s (%s)\n", doomsday.Version, doomsday.Gitref)
		return
	}
	fmt.Printf("doomsday v%s\n", doomsday.Version)
}
