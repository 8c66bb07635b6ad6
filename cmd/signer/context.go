package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"headless/internal/config"
	"headless/internal/ipc"
)

type commandContext struct {
	socketFlag *string
	configFlag *string
	overrides  *signerFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string, overrides *signerFlags) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
		overrides:  overrides,
	}
}

// ensureConfig loads the file once and layers command line flags on top.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.overrides != nil {
			if err := c.overrides.apply(cmd, cfg); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) socketPath(cmd *cobra.Command) (string, error) {
	if c.socketFlag != nil {
		if socket := strings.TrimSpace(*c.socketFlag); socket != "" {
			return socket, nil
		}
	}
	cfg, err := c.ensureConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.SocketPath(), nil
}

func (c *commandContext) withClient(cmd *cobra.Command, fn func(*ipc.Client) error) error {
	socket, err := c.socketPath(cmd)
	if err != nil {
		return err
	}
	client, err := ipc.Dial(socket)
	if err != nil {
		return wrapDialError(err, socket)
	}
	defer client.Close()
	return fn(client)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, syscall.ENOENT) || os.IsNotExist(err):
		return fmt.Errorf("connect to signer: socket %s not found; start the signer first", socket)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to signer: socket %s refused the connection; verify the signer is running", socket)
	default:
		return fmt.Errorf("connect to signer: %w", err)
	}
}

