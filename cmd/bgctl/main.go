package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/bluegreen/pkg/api/client"
	"github.com/splax/bluegreen/pkg/config"
	"github.com/splax/bluegreen/pkg/logger"
)

var buildVersion = "dev"

// app carries the state shared by every command.
type app struct {
	configPath string
	apiFlag    string
	logLevel   string
	relayAddr  string

	env    config.ConsoleConfig
	file   cliConfig
	logger *slog.Logger
	out    io.Writer
	in     io.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bgctl",
		Short:         "Start blue/green deployments and follow their progress",
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.apiFlag, "api", "", "Deployment API base URL")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default <user config dir>/bgctl/config.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newConnectCmd(a),
		newConnectionsCmd(a),
		newDeployCmd(a),
		newWatchCmd(a),
		newCurrentCmd(a),
		newResultCmd(a),
		newSwitchCmd(a),
		newTimelineCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.in = cmd.InOrStdin()
	a.env = config.LoadConsoleConfig()
	a.logger = logger.NewWithWriter(cmd.ErrOrStderr(), "bgctl", logger.ParseLevel(firstNonBlank(a.logLevel, a.env.LogLevel)))

	if a.configPath == "" {
		path, err := configPath()
		if err != nil {
			return fmt.Errorf("locate config: %w", err)
		}
		a.configPath = path
	}
	file, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	a.file = file
	return nil
}

// baseURL resolves the API base URL: flag, then config file, then environment.
func (a *app) baseURL() string {
	return firstNonBlank(a.apiFlag, a.file.APIBaseURL, a.env.APIBaseURL, config.DefaultAPIBaseURL)
}

func (a *app) api() (*apiclient.Client, error) {
	return apiclient.New(a.baseURL(), apiclient.WithTimeout(a.env.APITimeout))
}

// save persists the config file, recording an explicit --api flag.
func (a *app) save() error {
	if strings.TrimSpace(a.apiFlag) != "" {
		a.file.APIBaseURL = strings.TrimSpace(a.apiFlag)
	}
	if err := saveConfig(a.configPath, a.file); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bgctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.out, strings.TrimSpace(buildVersion))
		},
	}
}
