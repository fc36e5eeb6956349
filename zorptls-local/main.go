package main

import (
	"context"
	"flag"
	"github.com/account-login/ctxlog"
	"github.com/account-login/zorptls"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// logging
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	// ctx
	ctx := context.Background()

	// args
	local := zorptls.Local{}
	flag.StringVar(&local.LocalAddr, "local", "127.0.0.1:1180", "listen on this address")
	flag.StringVar(&local.RemoteAddr, "remote", "127.0.0.1:2180", "connect to remote")
	configPtr := flag.String("config", "", "path to an EncryptionConfig YAML file, governing the client-facing MITM accept")
	debugServerPtr := flag.String("debug", "", "debug server addr")
	flag.Parse()

	if *configPtr != "" {
		cfg, err := zorptls.LoadConfigFile(*configPtr)
		if err != nil {
			ctxlog.Fatal(ctx, err)
			return
		}
		local.Cfg = cfg
	}

	if *debugServerPtr != "" {
		_ = zorptls.StartDebugServer(ctx, *debugServerPtr)
	}

	// start local
	if err := local.Start(ctx); err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}
	ctxlog.Infof(ctx, "listening on %v, remote is %v", local.LocalAddr, local.RemoteAddr)

	// exit
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	ctxlog.Infof(ctx, "exiting")
}
