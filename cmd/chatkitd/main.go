package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/tandemapp/chatkit/internal/app"
	"github.com/tandemapp/chatkit/internal/config"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.chatkit/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "error: config not found at %s\n", path)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{ConfigPath: path}),
	).Run()
}
