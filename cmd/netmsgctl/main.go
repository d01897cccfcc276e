// Command netmsgctl sends netmsg frames over mutual TLS and runs the echo
// peer that answers them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/imaged/internal/client"
	"github.com/danmuck/imaged/internal/config"
	"github.com/danmuck/imaged/internal/echo"
	"github.com/danmuck/imaged/internal/logging"
	"github.com/rs/zerolog/log"
)

type cli struct {
	Send   sendCommand   `cmd:"" help:"Open sessions, send one WRITE on each and verify the echo"`
	Echo   echoCommand   `cmd:"" help:"Serve the echo peer"`
	Config configCommand `cmd:"" help:"Generate or check config files"`
}

type sendCommand struct {
	Config      string `short:"c" help:"Path to send config" default:"netmsgctl-send.toml" type:"path"`
	Host        string `help:"Override the peer host"`
	Port        int    `help:"Override the peer port"`
	Connections int    `short:"n" help:"Override the number of sessions"`
	Parallel    bool   `help:"Drive sessions concurrently"`
	Hold        bool   `help:"Keep sessions open until interrupted"`
}

func (s *sendCommand) Run(ctx context.Context) error {
	cfg, err := config.LoadClient(s.Config)
	if err != nil {
		return err
	}
	if s.Host != "" {
		cfg.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.Connections != 0 {
		cfg.Connections = s.Connections
	}
	if s.Parallel {
		cfg.Parallel = true
	}

	r, err := client.NewRunner(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	results, err := r.Run(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Printf("conn=%d addr=%s attempts=%d bytes=%d elapsed=%s\n", res.Index, res.Addr, res.Attempts, res.Sent, res.Elapsed)
	}
	if s.Hold {
		log.Info().Int("sessions", r.Active()).Msg("holding sessions open")
		<-ctx.Done()
	}
	return nil
}

type echoCommand struct {
	Config string `short:"c" help:"Path to echo config" default:"netmsgctl-echo.toml" type:"path"`
	Listen string `help:"Override the listen address"`
	Admin  string `help:"Override the admin HTTP address"`
}

func (e *echoCommand) Run(ctx context.Context) error {
	cfg, err := config.LoadEcho(e.Config)
	if err != nil {
		return err
	}
	if e.Listen != "" {
		cfg.ListenAddr = e.Listen
	}
	if e.Admin != "" {
		cfg.AdminAddr = e.Admin
	}
	svc, err := echo.NewService(cfg)
	if err != nil {
		return err
	}
	return svc.ListenAndServe(ctx)
}

type configCommand struct {
	Init     configInitCommand     `cmd:"" help:"Write a config template"`
	Validate configValidateCommand `cmd:"" help:"Load a config file and report errors"`
}

type configInitCommand struct {
	Kind   string `arg:"" enum:"send,echo" help:"Config kind (send|echo)"`
	Output string `short:"o" help:"Output path (default netmsgctl-<kind>.toml)"`
	Force  bool   `help:"Overwrite an existing file"`
}

func (c *configInitCommand) Run() error {
	target := c.Output
	if target == "" {
		target = defaultPath(c.Kind)
	}
	if err := config.WriteTemplate(target, c.Kind, c.Force); err != nil {
		return err
	}
	log.Info().Str("kind", c.Kind).Str("path", target).Msg("wrote config template")
	return nil
}

type configValidateCommand struct {
	Kind  string `arg:"" enum:"send,echo" help:"Config kind (send|echo)"`
	Input string `short:"i" help:"Config path (default netmsgctl-<kind>.toml)"`
}

func (c *configValidateCommand) Run() error {
	path := c.Input
	if path == "" {
		path = defaultPath(c.Kind)
	}
	var err error
	switch c.Kind {
	case config.KindSend:
		_, err = config.LoadClient(path)
	case config.KindEcho:
		_, err = config.LoadEcho(path)
	}
	if err != nil {
		return err
	}
	log.Info().Str("kind", c.Kind).Str("path", path).Msg("config valid")
	return nil
}

func defaultPath(kind string) string {
	return "netmsgctl-" + kind + ".toml"
}

func main() {
	logging.ConfigureRuntime("netmsgctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var params cli
	kctx := kong.Parse(&params,
		kong.Name("netmsgctl"),
		kong.Description("netmsg over mutual TLS"),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "netmsgctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
