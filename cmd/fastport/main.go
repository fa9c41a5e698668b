// fastport is a multi-tenant publish/subscribe broker relaying
// end-to-end encrypted messages and streamed file chunks over
// websockets.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	// Best effort; the environment wins over the .env file.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "fastport",
		Short:         "Multi-tenant pub/sub broker with at-least-once delivery and file streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("fastport exited")
		os.Exit(1)
	}
}

// setupLogger configures the global zerolog output once, before any
// component logs.
func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := format == "console" ||
		(format == "auto" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
