package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/HcashOrg/omnilib"
	"github.com/charmbracelet/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "omnishim"
	app.Usage = "load the omnicored core library and forward calls to it"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "lib", Aliases: []string{"l"}, Usage: "core library file", EnvVars: []string{"OMNILIB_PATH"}},
		&cli.StringFlag{Name: "dir", Usage: "directory holding the core library", EnvVars: []string{"OMNILIB_DIR"}},
		&cli.StringFlag{Name: "mode", Value: "auto", Usage: "binding mode: auto, dynamic or linked", EnvVars: []string{"OMNILIB_MODE"}},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"OMNILIB_DEBUG"}},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "info",
			Usage:  "show platform and library search paths",
			Action: info,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump detected platform"},
			},
		},
		{Name: "status", Usage: "load the library and show bound entry points", Action: status},
		{Name: "start", Usage: "forward an argument line to OmniStart", ArgsUsage: "ARGS", Action: start},
		{Name: "req", Usage: "forward a raw JSON request", ArgsUsage: "JSON", Action: req},
		{
			Name:      "call",
			Usage:     "issue a JSON-RPC call, params are parsed as JSON when possible",
			ArgsUsage: "METHOD [PARAMS...]",
			Action:    call,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal("omnishim failed", "err", err)
	}
}

func options(ctx *cli.Context) (omnilib.Options, error) {
	mode, err := omnilib.ParseMode(ctx.String("mode"))
	if err != nil {
		return omnilib.Options{}, err
	}
	return omnilib.Options{
		Path:   ctx.String("lib"),
		Dir:    ctx.String("dir"),
		Mode:   mode,
		Logger: log.Default().WithPrefix("omnilib"),
	}, nil
}

func open(ctx *cli.Context) (*omnilib.Core, error) {
	opts, err := options(ctx)
	if err != nil {
		return nil, err
	}
	core, err := omnilib.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load core library: %w", err)
	}
	return core, nil
}

func info(ctx *cli.Context) error {
	opts, err := options(ctx)
	if err != nil {
		return err
	}
	platform := omnilib.DetectPlatform()
	if ctx.Bool("dump") {
		spew.Fdump(ctx.App.Writer, platform)
	} else {
		fmt.Fprintf(ctx.App.Writer, "platform: %s/%s (%s)\n", platform.OS, platform.Arch, platform.CPU)
		fmt.Fprintf(ctx.App.Writer, "avx=%t avx2=%t avx512=%t\n", platform.SupportsAVX, platform.SupportsAVX2, platform.SupportsAVX512)
	}
	fmt.Fprintf(ctx.App.Writer, "abi: %d\n", omnilib.ABIVersion)
	for _, path := range omnilib.Candidates(opts) {
		fmt.Fprintf(ctx.App.Writer, "candidate: %s\n", path)
	}
	return nil
}

func status(ctx *cli.Context) error {
	core, err := open(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	st := core.Status()
	fmt.Fprintf(ctx.App.Writer, "mode: %s\npath: %s\n", st.Mode, st.Path)
	fmt.Fprintf(ctx.App.Writer, "%s: %t\n%s: %t\n%s: %t\ncallback registered: %t\n",
		omnilib.SymbolStart, st.Start, omnilib.SymbolJSONCmdReq, st.JSONCmdReq,
		omnilib.SymbolSetCallback, st.SetCallback, st.Registered)
	return nil
}

func start(ctx *cli.Context) error {
	core, err := open(ctx)
	if err != nil {
		return err
	}
	rc, err := core.Start(ctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "%d\n", rc)
	return nil
}

func req(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one JSON request argument")
	}
	core, err := open(ctx)
	if err != nil {
		return err
	}
	rsp, err := core.JSONCmdReq(ctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, rsp)
	return nil
}

func call(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("missing method")
	}
	core, err := open(ctx)
	if err != nil {
		return err
	}

	var params []interface{}
	for _, arg := range ctx.Args().Tail() {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}

	result, err := omnilib.NewClient(core).Call(ctx.Args().First(), params...)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(result))
	return nil
}
