package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"rfidbridge/codec"
	"rfidbridge/control"
	"rfidbridge/discovery"
	"rfidbridge/identity"
	"rfidbridge/logger"
	"rfidbridge/reader"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	return &cli.App{
		Name:    "rfidbridge",
		Usage:   "RFID tag acquisition node",
		Version: myBuild,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cfg", Aliases: []string{"c"}, Value: "rfidbridge.yml", Usage: "Config file"},
		},
		Commands: []*cli.Command{
			runCmd(),
			discoverCmd(),
			encodeCmd(),
			decodeCmd(),
			validateCmd(),
			signCmd(),
		},
		Action: runNode,
	}
}

// loadCLIConfig loads the file named by --cfg. Without an explicit --cfg a missing
// file means defaults.
func loadCLIConfig(c *cli.Context) (*Config, error) {
	cfg, err := loadConfigOrDefault(c.String("cfg"), c.IsSet("cfg"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the node (default)",
		Action: runNode,
	}
}

func runNode(c *cli.Context) error {
	cfg, err := loadCLIConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return app.Run(ctx)
}

func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List attached readers",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print JSON grouped by transport"},
			&cli.BoolFlag{Name: "all", Usage: "Skip the vendor and name filter"},
			&cli.DurationFlag{Name: "timeout", Value: 15 * time.Second, Usage: "Give up after this long"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadCLIConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			registry, err := reader.New(cfg.Transports, logger.WithComponent("reader"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			dcfg := cfg.Discovery
			if c.Bool("all") {
				dcfg = discovery.Config{Vendors: []uint16{}, NameHints: []string{}}
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			res, err := discovery.New(dcfg, registry, logger.WithComponent("discovery")).DiscoverAll(ctx)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, res)
			}
			printDescriptors(c.App.Writer, res.Combined)
			return nil
		},
	}
}

func printDescriptors(w io.Writer, descs []reader.Descriptor) {
	if len(descs) == 0 {
		fmt.Fprintln(w, "no readers found")
		return
	}
	for _, d := range descs {
		fmt.Fprintf(w, "%-40s %s\n", d.ID, d.Name)
	}
}

func encodeCmd() *cli.Command {
	return &cli.Command{
		Name:  "encode",
		Usage: "Build the payload to write to a tag",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "barcode", Aliases: []string{"b"}, Required: true, Usage: "Product barcode"},
			&cli.StringFlag{Name: "order", Aliases: []string{"o"}, Required: true, Usage: "Order number"},
			&cli.IntFlag{Name: "seq", Aliases: []string{"s"}, Value: 1, Usage: "Sequence number"},
			&cli.IntFlag{Name: "length", Aliases: []string{"l"}, Usage: "Payload length (default from config)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadCLIConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			cd := codec.New(cfg.Codec)

			var payload string
			if c.IsSet("length") {
				payload, err = cd.EncodeLength(c.String("barcode"), c.String("order"), c.Int("seq"), c.Int("length"))
			} else {
				payload, err = cd.Encode(c.String("barcode"), c.String("order"), c.Int("seq"))
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintln(c.App.Writer, payload)
			return nil
		},
	}
}

type decodeOutput struct {
	Token       string                  `json:"epc"`
	Decimal     string                  `json:"epcDecimal"`
	Barcode     string                  `json:"barcode"`
	OrderNumber string                  `json:"orderNumber"`
	Product     *identity.ProductRecord `json:"product,omitempty"`
}

func decodeCmd() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Split a tag payload into barcode and order number",
		ArgsUsage: "<token>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "resolve", Aliases: []string{"r"}, Usage: "Look the product up in the directory"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("decode takes exactly one token", 1)
			}
			cfg, err := loadCLIConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			tag, err := codec.New(cfg.Codec).Decode(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			out := decodeOutput{
				Token:       tag.Raw,
				Decimal:     tag.Decimal,
				Barcode:     tag.Barcode,
				OrderNumber: tag.OrderNumber,
			}

			if c.Bool("resolve") {
				resolver, err := identity.NewResolver(cfg.Directory, logger.WithComponent("identity"))
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				defer resolver.Close()
				ctx, cancel := context.WithTimeout(c.Context, cfg.Acquire.ResolveTimeout)
				defer cancel()
				out.Product = resolver.Resolve(ctx, tag.Barcode, tag.OrderNumber)
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check that a payload is a plain digit string",
		ArgsUsage: "<payload>",
		Action: func(c *cli.Context) error {
			if err := codec.Validate(c.Args().First()); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintln(c.App.Writer, "ok")
			return nil
		},
	}
}

func signCmd() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Print a control command signed with control_secret, ready to publish",
		ArgsUsage: "<command line>",
		Action: func(c *cli.Context) error {
			cfg, err := loadCLIConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if cfg.ControlSecret == "" {
				return cli.Exit("control_secret is not configured", 1)
			}
			secret, err := control.DecodeSecret(cfg.ControlSecret)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			cmd, err := control.ParseLine(strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			data, err := json.Marshal(cmd.Sign(secret, time.Now()))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintln(c.App.Writer, string(data))
			return nil
		},
	}
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
