// Command gateway-ctl is an operational CLI for diagnosing a configured
// AET outside of the running gateway process: a one-shot C-ECHO and a
// pool-stats probe against the gateway's own HTTP management endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "gateway-ctl",
		Usage: "operational CLI for the DICOMweb-to-DIMSE gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "gateway configuration file"},
			&cli.StringFlag{Name: "log-level", Value: "INFO"},
		},
		Before: func(c *cli.Context) error {
			logger.Init(c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			echoCommand(),
			aetsCommand(),
			statusCommand(),
			poolStatsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("gateway-ctl failed")
	}
}

func echoCommand() *cli.Command {
	return &cli.Command{
		Name:      "echo",
		Usage:     "perform a C-ECHO against a configured AET",
		ArgsUsage: "<aet>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: gateway-ctl echo <aet>", 1)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			aetCfg, ok := cfg.ByAET(c.Args().First())
			if !ok {
				return cli.Exit(fmt.Sprintf("unknown AET %q", c.Args().First()), 1)
			}

			assoc := dimse.NewAssociation(dimse.Config{
				Host:       aetCfg.Host,
				Port:       aetCfg.Port,
				CallingAET: cfg.Server.CallingAET,
				CalledAET:  aetCfg.AET,
				Timeout:    aetCfg.Pool.Timeout(),
			})

			ctx, cancel := context.WithTimeout(context.Background(), aetCfg.Pool.Timeout())
			defer cancel()

			proposals := []dimse.Proposal{{AbstractSyntax: dimse.VerificationSOPClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)}}
			start := time.Now()
			if err := assoc.Connect(ctx, proposals); err != nil {
				return cli.Exit(fmt.Sprintf("association failed: %v", err), 1)
			}
			defer assoc.Release(ctx)

			if err := assoc.Echo(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("C-ECHO failed: %v", err), 1)
			}
			fmt.Printf("C-ECHO to %s succeeded in %s\n", aetCfg.AET, time.Since(start))
			return nil
		},
	}
}

func aetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "aets",
		Usage: "list AETs configured in the gateway file",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			for _, aet := range cfg.AETs {
				fmt.Printf("%-16s %-10s %s:%d\n", aet.AET, aet.Backend, aet.Host, aet.Port)
			}
			return nil
		},
	}
}

func poolStatsCommand() *cli.Command {
	return &cli.Command{
		Name:      "pool-stats",
		Usage:     "dump association pool occupancy from a running gateway's management endpoint",
		ArgsUsage: "<base-url> <aet>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: gateway-ctl pool-stats <base-url> <aet>", 1)
			}
			url := fmt.Sprintf("%s/aets/%s/pool-stats", c.Args().Get(0), c.Args().Get(1))
			resp, err := http.Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return cli.Exit(fmt.Sprintf("pool-stats request failed: %s: %s", resp.Status, body), 1)
			}

			var stats struct {
				CalledAET string `json:"CalledAET"`
				Idle      int    `json:"Idle"`
				Size      int    `json:"Size"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return err
			}
			fmt.Printf("%-16s idle=%d size=%d\n", stats.CalledAET, stats.Idle, stats.Size)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "query a running gateway's /aets/{aet} status endpoint",
		ArgsUsage: "<base-url> <aet>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: gateway-ctl status <base-url> <aet>", 1)
			}
			url := fmt.Sprintf("%s/aets/%s", c.Args().Get(0), c.Args().Get(1))
			resp, err := http.Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
