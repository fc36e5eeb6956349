package main

import (
	"context"
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/account-login/ctxlog"
	"github.com/account-login/zorptls"
)

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	app := &cli.App{
		Name:  "zorptls-ctl",
		Usage: "manage the local MITM CA used by the zorptls demo proxy",
		Commands: []*cli.Command{
			{
				Name:  "init-ca",
				Usage: "create the CA certificate/key file if it doesn't exist yet",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ca", Value: "zorptls-ca.pem", Usage: "path to CA cert+key PEM file"},
				},
				Action: func(c *cli.Context) error {
					m := &zorptls.MITM{CAPath: c.String("ca")}
					return m.Init()
				},
			},
			{
				Name:  "ca-fingerprint",
				Usage: "print the SHA-256 fingerprint of the CA certificate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ca", Value: "zorptls-ca.pem", Usage: "path to CA cert+key PEM file"},
				},
				Action: func(c *cli.Context) error {
					data, err := ioutil.ReadFile(c.String("ca"))
					if err != nil {
						return err
					}
					block, _ := pem.Decode(data)
					if block == nil || block.Type != "CERTIFICATE" {
						return fmt.Errorf("no CERTIFICATE block in %s", c.String("ca"))
					}
					sum := sha256.Sum256(block.Bytes)
					fmt.Printf("%x\n", sum)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		ctxlog.Fatal(context.Background(), err)
	}
}
