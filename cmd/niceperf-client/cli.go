package main

import "flag"

// Options holds CLI options for the client.
type Options struct {
	ConfigPath string
	Server     string
	Listen     string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("niceperf-client", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Server, "server", "", "Control server address (overrides config)")
	fs.StringVar(&opts.Listen, "listen", "", "Reflector listen address (overrides config)")
	_ = fs.Parse(args)
	return opts
}
