// Package main starts the notification center terminal client.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/model"
)

// tokenEnv overrides the keyring token, e.g. for scripted runs.
const tokenEnv = "NOTIFYCENTER_TOKEN"

type options struct {
	configPath  string
	sessionID   string
	metricsAddr string
}

func main() {
	// A missing .env is fine; the environment may be set elsewhere.
	_ = godotenv.Load()

	var opts options
	fs := flag.NewFlagSet("notifycenter", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", model.DefaultConfigPath(), "path to the YAML config file")
	fs.StringVar(&opts.sessionID, "session", "", "chat session id to enter at startup")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (disabled when empty)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: notifycenter [flags] [run|login|logout]\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		exitf("load config: %v", err)
	}

	switch cmd := fs.Arg(0); cmd {
	case "", "run":
		err = run(cfg, opts)
	case "login":
		err = login()
	case "logout":
		err = logout(cfg)
	default:
		fs.Usage()
		exitf("unknown command %q", cmd)
	}
	if err != nil {
		exitf("%s: %v", commandName(fs.Arg(0)), err)
	}
}

// accessor reads the token from the environment first, then the keyring.
func accessor() credential.Accessor {
	return credential.Chain(
		credential.Static(os.Getenv(tokenEnv)),
		credential.NewKeyring(credential.TokenKey),
	)
}

func commandName(arg string) string {
	if arg == "" {
		return "run"
	}
	return arg
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "notifycenter: "+format+"\n", args...)
	os.Exit(1)
}
