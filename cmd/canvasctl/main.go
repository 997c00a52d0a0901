package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/astromechza/canvas-sync/pkg/config"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"connect":  {"connect <board>: join a board and log what happens on it", runConnect},
		"add":      {"add <board> <type>: add an object to a board", runAdd},
		"dump":     {"dump <board|file>: print the objects of a board", runDump},
		"inspect":  {"inspect <board|file>: print the change history of a board", runInspect},
		"render":   {"render <board|file>: render the change history to svg", runRender},
		"discover": {"discover: list relays on the local network", runDiscover},
		"token":    {"token: issue an access token", runToken},
	}
}

func main() {
	if err := mainInner(os.Args[1:]); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("usage: canvasctl <command> [flags]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	return b.String()
}

func mainInner(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", args[0], usage())
	}
	return cmd.run(args[1:])
}

// common holds the flags every command shares.
type common struct {
	fs       *flag.FlagSet
	config   *string
	debug    *bool
	relayURL *string
}

func newFlags(name string) *common {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &common{
		fs:       fs,
		config:   fs.String("config", "", "path to the client config file (default $"+config.EnvVar+")"),
		debug:    fs.Bool("debug", false, "enable debug logging"),
		relayURL: fs.String("relay", "", "override the relay url"),
	}
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nflags:\n%s", commands[name].usage, fs.FlagUsages())
	}
	return c
}

// parse parses args, sets up logging and loads the client config.
func (c *common) parse(args []string) (*config.ClientConfig, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if *c.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadClient(config.Path(*c.config))
	if err != nil {
		return nil, err
	}
	if *c.relayURL != "" {
		cfg.RelayURL = *c.relayURL
	}
	return cfg, nil
}
