package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/smazurov/renderpool/internal/protocol"
	"github.com/spf13/cobra"
)

// DefaultControlURL is the command server endpoint the client commands use.
const DefaultControlURL = "ws://localhost:4699/"

// sendFunc performs one request/reply exchange.
type sendFunc func(ctx context.Context, req protocol.Request) (protocol.Response, error)

// client runs control commands and prints their replies.
type client struct {
	send sendFunc
	out  io.Writer
}

func (c *client) printReply(resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *client) exchange(ctx context.Context, req protocol.Request) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	return c.printReply(resp)
}

func (c *client) total(ctx context.Context) (int, error) {
	resp, err := c.send(ctx, protocol.Request{Command: protocol.CommandServerStatus})
	if err != nil {
		return 0, err
	}
	if resp.Total == nil {
		return 0, errors.New("server status reply has no total")
	}
	return *resp.Total, nil
}

// highestActive walks slots from the highest index down and reports the
// first one that is not IDLE.
func (c *client) highestActive(ctx context.Context) error {
	total, err := c.total(ctx)
	if err != nil {
		return err
	}
	for id := total - 1; id >= 0; id-- {
		resp, err := c.send(ctx, protocol.Request{Command: protocol.CommandStatus, ID: protocol.IntPtr(id)})
		if err != nil {
			return err
		}
		if resp.Status != "IDLE" {
			_, err := fmt.Fprintf(c.out, "Status of instance id %d: '%s'\n", id, resp.Status)
			return err
		}
	}
	_, err = fmt.Fprintln(c.out, "No running instances found.")
	return err
}

// stopLast stops the highest-index slot that accepts STOP.
func (c *client) stopLast(ctx context.Context) error {
	total, err := c.total(ctx)
	if err != nil {
		return err
	}
	for id := total - 1; id >= 0; id-- {
		resp, err := c.send(ctx, protocol.Request{Command: protocol.CommandStop, ID: protocol.IntPtr(id)})
		if err != nil {
			return err
		}
		if resp.Error == protocol.ErrNone {
			_, err := fmt.Fprintf(c.out, "Stopped id %d\n", id)
			return err
		}
	}
	_, err = fmt.Fprintln(c.out, "No running instances found.")
	return err
}

// clientFlags are shared by every client command.
type clientFlags struct {
	url     string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.url, "url", "u", DefaultControlURL, "Command server websocket URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Timeout for the whole command")
}

func (f *clientFlags) run(cmd *cobra.Command, fn func(context.Context, *client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	c := &client{
		send: func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
			return protocol.Send(ctx, f.url, req)
		},
		out: cmd.OutOrStdout(),
	}
	return fn(ctx, c)
}

func parseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", arg, err)
	}
	return id, nil
}

// CreateClientCmds creates the control protocol client commands.
func CreateClientCmds() []*cobra.Command {
	return []*cobra.Command{
		createStartCmd(),
		createStopCmd(),
		createStatusCmd(),
		createServerStatusCmd(),
		createStopLastCmd(),
	}
}

func createStartCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an instance in the lowest idle slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, func(ctx context.Context, c *client) error {
				return c.exchange(ctx, protocol.Request{Command: protocol.CommandStart})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func createStopCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop the instance in a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return flags.run(cmd, func(ctx context.Context, c *client) error {
				return c.exchange(ctx, protocol.Request{Command: protocol.CommandStop, ID: protocol.IntPtr(id)})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func createStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the state of a slot",
		Long:  `With an id, prints the STATUS reply for that slot. Without one, reports the highest-index slot that is not IDLE.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return flags.run(cmd, func(ctx context.Context, c *client) error {
					return c.highestActive(ctx)
				})
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return flags.run(cmd, func(ctx context.Context, c *client) error {
				return c.exchange(ctx, protocol.Request{Command: protocol.CommandStatus, ID: protocol.IntPtr(id)})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func createServerStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "server-status",
		Short: "Show running and total slot counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, func(ctx context.Context, c *client) error {
				return c.exchange(ctx, protocol.Request{Command: protocol.CommandServerStatus})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func createStopLastCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "stop-last",
		Short: "Stop the highest-index running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, func(ctx context.Context, c *client) error {
				return c.stopLast(ctx)
			})
		},
	}
	flags.register(cmd)
	return cmd
}
