package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ppanopticon/hare/internal/hare"
	"github.com/ppanopticon/hare/internal/pkg/logging"
)

// Build information (set via ldflags)
var Version = "dev"

func main() {
	logConf := logging.DefaultConfig()
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		parsed, err := logging.ParseLevel(level)
		if err == nil {
			logConf.Level = zap.NewAtomicLevelAt(parsed)
		}
	}
	logger, err := logConf.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app := &cli.App{
		Name:    "hare",
		Usage:   "Inspect and scan HARE column files",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Print the header of a column file",
				ArgsUsage: "<file.hare>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one file argument")
					}
					info, err := hare.ReadFileInfo(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("path:            %s\n", info.Path)
					fmt.Printf("kind:            %d\n", info.Kind)
					fmt.Printf("version:         %d\n", info.Version)
					fmt.Printf("page size:       %d (shift %d)\n", info.PageSize, info.PageShift)
					fmt.Printf("properly closed: %t\n", info.ProperlyClosed)
					fmt.Printf("dirty:           %t\n", info.Dirty)
					fmt.Printf("allocated pages: %d\n", info.Allocated)
					fmt.Printf("dangling pages:  %d\n", info.Dangling)
					fmt.Printf("maximum page id: %d\n", info.MaximumPageID)
					fmt.Printf("checksum:        %08x\n", info.Checksum)
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "Recompute and check the data checksum of a column file",
				ArgsUsage: "<file.hare>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one file argument")
					}
					path := c.Args().First()
					if err := hare.VerifyFile(path); err != nil {
						return err
					}
					fmt.Printf("%s: checksum OK\n", path)
					return nil
				},
			},
			{
				Name:      "scan",
				Usage:     "Iterate a column file and print its live values",
				ArgsUsage: "<file.hare>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "type",
						Aliases: []string{"t"},
						Value:   "long",
						Usage:   "Logical type of the column (byte, short, int, long, float, double, string)",
					},
					&cli.Int64Flag{
						Name:  "limit",
						Value: 0,
						Usage: "Stop after this many values (0 = no limit)",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one file argument")
					}
					return scan(c.Context, logger, c.Args().First(), c.String("type"), c.Int64("limit"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func scan(ctx context.Context, logger *zap.Logger, path, typeName string, limit int64) error {
	switch typeName {
	case "byte":
		return scanFixed(ctx, logger, path, hare.NewByteSerializer(), limit)
	case "short":
		return scanFixed(ctx, logger, path, hare.NewShortSerializer(), limit)
	case "int":
		return scanFixed(ctx, logger, path, hare.NewIntSerializer(), limit)
	case "long":
		return scanFixed(ctx, logger, path, hare.NewLongSerializer(), limit)
	case "float":
		return scanFixed(ctx, logger, path, hare.NewFloatSerializer(), limit)
	case "double":
		return scanFixed(ctx, logger, path, hare.NewDoubleSerializer(), limit)
	case "string":
		return scanVariable(ctx, logger, path, hare.NewStringSerializer(), limit)
	default:
		return fmt.Errorf("unsupported type %q", typeName)
	}
}

func scanFixed[T any](ctx context.Context, logger *zap.Logger, path string, serializer hare.FixedSerializer[T], limit int64) error {
	column, err := hare.OpenFixedColumn(logger, path, serializer, hare.Options{})
	if err != nil {
		return err
	}
	defer column.Close()

	reader, err := column.NewReader(ctx, 0, hare.EvictLRU)
	if err != nil {
		return err
	}
	defer reader.Close(ctx)

	fmt.Printf("count=%d max_tuple_id=%d\n", reader.Count(), reader.MaxTupleID())
	cursor, err := reader.Cursor()
	if err != nil {
		return err
	}
	defer cursor.Close()

	return printCursor(ctx, cursor, limit)
}

func scanVariable[T any](ctx context.Context, logger *zap.Logger, path string, serializer hare.VariableSerializer[T], limit int64) error {
	column, err := hare.OpenVariableColumn(logger, path, serializer, hare.Options{})
	if err != nil {
		return err
	}
	defer column.Close()

	reader, err := column.NewReader(ctx, 0, hare.EvictLRU)
	if err != nil {
		return err
	}
	defer reader.Close(ctx)

	fmt.Printf("count=%d max_tuple_id=%d\n", reader.Count(), reader.MaxTupleID())
	cursor, err := reader.Cursor()
	if err != nil {
		return err
	}
	defer cursor.Close()

	return printCursor(ctx, cursor, limit)
}

type valueCursor[T any] interface {
	Next(context.Context) (bool, error)
	TupleID() hare.TupleID
	ReadThrough(context.Context) (hare.Optional[T], error)
}

func printCursor[T any](ctx context.Context, cursor valueCursor[T], limit int64) error {
	var printed int64
	for {
		ok, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		v, err := cursor.ReadThrough(ctx)
		if err != nil {
			return err
		}
		if v.Valid {
			fmt.Printf("%d\t%v\n", cursor.TupleID(), v.Value)
		} else {
			fmt.Printf("%d\tNULL\n", cursor.TupleID())
		}
		printed++
		if limit > 0 && printed >= limit {
			return nil
		}
	}
}
