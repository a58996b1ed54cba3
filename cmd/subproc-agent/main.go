package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/guseggert/subproc/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "subproc-agent",
		Usage: "an agent for spawning and controlling processes on this host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before the failure action fires.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8090",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			onHeartbeatFailure := ctx.String("on-heartbeat-failure")
			heartbeatTimeoutStr := ctx.String("heartbeat-timeout")
			listenAddr := ctx.String("listen-addr")

			caCertPEM, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEM, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEM, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			heartbeatTimeout, err := time.ParseDuration(heartbeatTimeoutStr)
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			logLevel := zapcore.InfoLevel
			if ctx.Bool("verbose") {
				logLevel = zapcore.DebugLevel
			}

			a, err := agent.New(
				caCertPEM,
				certPEM,
				keyPEM,
				agent.WithLogLevel(logLevel),
				agent.WithHeartbeatTimeout(heartbeatTimeout),
				agent.WithListenAddr(listenAddr),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			err = a.Run()
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
