// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package main

type ServeCmd struct {
	Addr string `arg:"--addr" help:"address of the server, overrides the config file"`
}

type PrefetchCmd struct {
	Keys []string `arg:"positional,required" help:"resource keys (paths or urls) to warm"`
}

type ReapCmd struct {
	Dir   string `arg:"--dir" help:"directory to reap, defaults to the http cache directory"`
	Upper int    `arg:"--upper" help:"file count above which files are deleted"`
	Lower int    `arg:"--lower" help:"file count to delete down to"`
}

type ConfigCmd struct {
	Out string `arg:"--out,required" help:"path to write the effective configuration to"`
}

type Arguments struct {
	Serve      *ServeCmd    `arg:"subcommand:serve" help:"run the server"`
	Prefetch   *PrefetchCmd `arg:"subcommand:prefetch" help:"fetch resources into the http cache"`
	Reap       *ReapCmd     `arg:"subcommand:reap" help:"trim a cache directory to its quota"`
	Config     *ConfigCmd   `arg:"subcommand:config" help:"write the effective configuration"`
	ConfigPath string       `arg:"--config" help:"path to a TOML configuration file"`
	Version    bool         `arg:"-v" help:"show version and exit"`
	LogLevel   string       `arg:"--log-level" help:"set the log level" default:"info" valid:"debug,info,warn,error,fatal,panic"`
}

var version string
