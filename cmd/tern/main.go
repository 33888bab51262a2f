package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ternlang/tern/asm"
	"github.com/ternlang/tern/linker"
	"github.com/ternlang/tern/values"
	"github.com/ternlang/tern/version"
	"github.com/ternlang/tern/vmfactory"
)

func main() {
	app := &cli.Command{
		Name:  "tern",
		Usage: "A concurrent bytecode VM for a small functional language",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"v"},
				Usage:   "Show version",
				Action: func(ctx context.Context, cmd *cli.Command, b bool) error {
					fmt.Println(version.Version())
					return nil
				},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			asmCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a function from a program file and wait for its result",
	ArgsUsage: "<file> [args...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "fn",
			Aliases: []string{"f"},
			Value:   "F_main",
			Usage:   "Function to invoke",
		},
		&cli.StringFlag{
			Name:  "backend",
			Value: "memory",
			Usage: "Storage backend: memory or sqlite",
		},
		&cli.StringFlag{
			Name:  "dsn",
			Usage: "SQLite session database (defaults to in-memory)",
		},
		&cli.BoolFlag{
			Name:  "parallel",
			Usage: "Run each machine on its own goroutine",
		},
		&cli.BoolFlag{
			Name:  "probes",
			Usage: "Dump per-machine probe logs after the run",
		},
	},
	Action: runAction,
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("verbose") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: tern run <file> [args...]")
	}

	file := cmd.Args().First()
	args := make([]*values.Value, 0, cmd.Args().Len()-1)
	for _, raw := range cmd.Args().Tail() {
		v, err := asm.ParseLiteral(raw)
		if err != nil {
			return fmt.Errorf("argument %q: %w", raw, err)
		}
		args = append(args, v)
	}

	fn := cmd.String("fn")
	exe, err := loadAndLink(file, fn, len(args))
	if err != nil {
		return err
	}

	rt, err := vmfactory.New(exe, vmfactory.Options{
		Backend:  vmfactory.Backend(cmd.String("backend")),
		DSN:      cmd.String("dsn"),
		Parallel: cmd.Bool("parallel"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.Call(ctx, fn, args)
	if err != nil || cmd.Bool("probes") {
		dumpProbes(rt)
	}
	if err != nil {
		return err
	}

	fmt.Println(result.ToString())
	return nil
}

func dumpProbes(rt *vmfactory.Runtime) {
	for _, vmid := range rt.Controller.Probes() {
		p := rt.Controller.Probe(vmid)
		fmt.Fprintf(os.Stderr, "--[machine %d: %d steps]--\n", vmid, p.Steps())
		fmt.Fprint(os.Stderr, p.String())
	}
}

var asmCommand = &cli.Command{
	Name:      "asm",
	Usage:     "Print the linked executable listing for a program file",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "fn",
			Aliases: []string{"f"},
			Value:   "F_main",
			Usage:   "Entrypoint function",
		},
		&cli.IntFlag{
			Name:  "arity",
			Value: 0,
			Usage: "Entrypoint arity",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() != 1 {
			return fmt.Errorf("usage: tern asm <file>")
		}
		exe, err := loadAndLink(cmd.Args().First(), cmd.String("fn"), int(cmd.Int("arity")))
		if err != nil {
			return err
		}
		fmt.Print(exe.Listing())
		return nil
	},
}

func loadAndLink(file, fn string, numArgs int) (*linker.Executable, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	defs, err := asm.ParseProgram(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return linker.Link(defs, file, fn, numArgs)
}
