// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

type logOptions struct {
	level  string
	format string
}

func newRootCmd() *cobra.Command {
	lo := &logOptions{}
	cmd := &cobra.Command{
		Use:   "refstress",
		Short: "Stress a reference-counted slot allocator",
		Long: `refstress runs producers that allocate and release blocks against one
shared allocator while collector workers reclaim released slots.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&lo.level, "log.level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&lo.format, "log.format", "logfmt", "Log format: logfmt or json")
	cmd.AddCommand(newRunCmd(lo))
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (lo *logOptions) logger() (log.Logger, error) {
	var logger log.Logger
	switch lo.format {
	case "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown log format %q", lo.format)
	}

	var allow level.Option
	switch strings.ToLower(lo.level) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lo.level)
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}
