// Command blockserve runs one of the six transport variants of the
// GET/PUT file-transfer server behind a single cobra "serve" command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blockserve",
		Short: "A file-transfer server implemented across six concurrency models",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server with the configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":8083", "TCP listen address")
	flags.String("doc-root", "/var/www/html", "document root for GET and PUT /upload")
	flags.String("transport", "blocking", "one of: blocking, process, thread, epoll, aio, uring")
	flags.Int("backlog", 4096, "listen backlog")
	flags.Bool("reuseport", true, "set SO_REUSEPORT on the listener")
	flags.Bool("uring-sqpoll", false, "enable IORING_SETUP_SQPOLL for the uring transport")
	flags.String("log-level", "info", "logrus level: debug, info, warn, error")
	flags.String("config", "", "optional config file path")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("BLOCKSERVE")
	v.AutomaticEnv()

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile := v.GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}
		return nil
	}

	return cmd
}
