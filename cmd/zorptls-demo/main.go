package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/account-login/ctxlog"
	"github.com/account-login/zorptls"
)

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	app := &cli.App{
		Name:  "zorptls-demo",
		Usage: "TLS-intercepting SOCKS demo proxy: accepts clients, forwards through a remote mux, MITMs port 443",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "local", Value: "127.0.0.1:1180", Usage: "listen on this address"},
			&cli.StringFlag{Name: "remote", Value: "127.0.0.1:2180", Usage: "connect to this remote mux endpoint"},
			&cli.StringFlag{Name: "config", Usage: "path to an EncryptionConfig YAML file (optional)"},
			&cli.StringFlag{Name: "mitm-ca", Value: "zorptls-ca.pem", Usage: "path to the CA cert+key used to mint intercepted certs"},
			&cli.StringFlag{Name: "mitm-cache-dir", Usage: "optional directory to persist minted certs across restarts"},
			&cli.BoolFlag{Name: "no-mitm", Usage: "disable TLS interception; proxy port 443 opaquely"},
			&cli.BoolFlag{Name: "proxy-protocol", Usage: "accept a PROXY protocol v1/v2 header on each client connection"},
			&cli.StringFlag{Name: "debug", Usage: "address for the pprof/expvar debug server"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		ctxlog.Fatal(context.Background(), err)
	}
}

func run(c *cli.Context) error {
	ctx := context.Background()

	local := zorptls.Local{
		LocalAddr:     c.String("local"),
		RemoteAddr:    c.String("remote"),
		NoMITM:        c.Bool("no-mitm"),
		ProxyProtocol: c.Bool("proxy-protocol"),
	}

	if c.String("config") != "" {
		cfg, err := zorptls.LoadConfigFile(c.String("config"))
		if err != nil {
			return err
		}
		ctxlog.Infof(ctx, "loaded encryption config: handshake_seq=%v handshake_timeout=%v",
			cfg.HandshakeSeq, cfg.HandshakeTimeout)
		local.Cfg = cfg
	}

	if !local.NoMITM {
		m := &zorptls.MITM{CAPath: c.String("mitm-ca"), CacheDir: c.String("mitm-cache-dir")}
		if err := m.Init(); err != nil {
			return err
		}
		local.MITM = m
	}

	if addr := c.String("debug"); addr != "" {
		_ = zorptls.StartDebugServer(ctx, addr)
	}

	if err := local.Start(ctx); err != nil {
		return err
	}
	ctxlog.Infof(ctx, "listening on %v, remote is %v, mitm=%v", local.LocalAddr, local.RemoteAddr, !local.NoMITM)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	ctxlog.Infof(ctx, "exiting")
	return nil
}
