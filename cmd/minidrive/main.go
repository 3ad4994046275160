package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/oarkflow/minidrive/pkg/client"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/log/oarklog"
	"github.com/oarkflow/minidrive/pkg/models"
	"github.com/oarkflow/minidrive/pkg/utils"
)

var logFile string

var rootCmd = &cobra.Command{
	Use:   "minidrive [username@]host:port",
	Short: "Interactive MiniDrive client",
	Long: `Interactive MiniDrive client.

Without a username the shared "public" account is used. Type HELP at the
prompt for the list of commands.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&logFile, "log", "", "write client logs to this file")
}

func run(cmd *cobra.Command, args []string) error {
	target, err := utils.ParseTarget(args[0], models.PublicUser)
	if err != nil {
		return err
	}
	logger := log.Discard()
	if logFile != "" {
		l, closer, err := oarklog.Open(oarklog.Config{Level: "DEBUG", Output: logFile})
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = l
	}

	c, err := client.Dial(cmd.Context(), target, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "EXIT",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "connected to %s as %s\n", target.Address(), c.User())
	sh := &shell{client: c, out: rl.Stdout()}
	for {
		rl.SetPrompt(sh.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := sh.exec(strings.TrimSpace(line))
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
