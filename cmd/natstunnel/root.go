package main

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jhump/natstunnel"
	"github.com/jhump/natstunnel/internal/broker"
	"github.com/jhump/natstunnel/internal/config"
	"github.com/jhump/natstunnel/internal/logging"
)

// app is the state shared by all commands. cfg is only valid once the root
// command's pre-run hook has loaded it.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:          "natstunnel",
		Short:        "Byte-stream tunnels over NATS",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			a.cfg = cfg
			cmd.SetContext(log.Logger.WithContext(cmd.Context()))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "path to a TOML configuration file")
	flags.String("nats", defaults.NATS.URL, "URL of the NATS server to connect to")
	flags.String("log-level", defaults.Log.Level, "log level: trace, debug, info, warn or error")
	flags.String("log-format", defaults.Log.Format, "log format: console or json")
	flags.Bool("embedded", false, "run an embedded NATS server and use it instead of --nats")
	bindFlags(a.v, flags, map[string]string{
		"nats":       "nats.url",
		"embedded":   "embedded.enabled",
		"log-level":  "log.level",
		"log-format": "log.format",
	})

	rootCmd.AddCommand(newConnectCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newGRPCTestCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	return rootCmd
}

// bindFlags makes the named flags override configuration keys. It panics
// if a flag does not exist.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			panic("no such flag: " + name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	}
}

// connectBroker connects to the NATS server at url, which defaults to the
// configured one.
func (a *app) connectBroker(ctx context.Context, url string) (*broker.ClientManager, error) {
	if url == "" {
		url = a.cfg.NATS.URL
	}
	return broker.NewClientManager(ctx, url, broker.ClientOptions(ctx, a.cfg.NATS)...)
}

// tunnelOptions returns the tunnel options the configuration asks for.
func (a *app) tunnelOptions(extra ...natstunnel.TunnelOption) []natstunnel.TunnelOption {
	var opts []natstunnel.TunnelOption
	if a.cfg.Tunnel.InboxPrefix != "" {
		opts = append(opts, natstunnel.WithInboxPrefix(a.cfg.Tunnel.InboxPrefix))
	}
	if a.cfg.Tunnel.QueueGroup != "" {
		opts = append(opts, natstunnel.WithQueueGroup(a.cfg.Tunnel.QueueGroup))
	}
	return append(opts, extra...)
}

// withBroker runs fn with a client connected to the configured NATS server,
// or to an embedded one if that is enabled.
func (a *app) withBroker(ctx context.Context, fn func(nc *nats.Conn) error) error {
	var url string
	if a.cfg.Embedded.Enabled {
		sm, err := broker.NewServerManager(ctx, broker.ServerManagerParams{
			Options: broker.ServerOptions(a.cfg.Embedded),
		})
		if err != nil {
			return err
		}
		defer sm.Stop()
		url = sm.ClientURL()
		log.Ctx(ctx).Info().Str("url", url).Msg("embedded NATS server started")
	}
	cm, err := a.connectBroker(ctx, url)
	if err != nil {
		return err
	}
	defer cm.Stop()
	return fn(cm.Client)
}
