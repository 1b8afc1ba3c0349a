package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"tcpforge/internal/core/conn"
	"tcpforge/internal/core/engine"
	"tcpforge/internal/core/netaddr"
	"tcpforge/internal/pkg/logger"
)

func newConnectCmd() *cobra.Command {
	var (
		dstFlag     string
		srcFlag     string
		message     string
		closeAfter  time.Duration
		failureMode string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Forge a single TCP connection and optionally send one message",
		Long: `connect opens the raw socket, forges a SYN toward --dst using --src as
the (possibly spoofed) source address, waits for the handshake to
complete, optionally sends --message, then closes the connection.

It mirrors the original project's connectmany.cc example, reduced to a
single connection driven from the command line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(connectOpts{
				dst:         dstFlag,
				src:         srcFlag,
				message:     message,
				closeAfter:  closeAfter,
				failureMode: failureMode,
			})
		},
	}

	cmd.Flags().StringVar(&dstFlag, "dst", "", "destination address, A.B.C.D:P (required)")
	cmd.Flags().StringVar(&srcFlag, "src", "", "source address to forge, A.B.C.D:P (required)")
	cmd.Flags().StringVar(&message, "message", "", "data to send once the connection is established")
	cmd.Flags().DurationVar(&closeAfter, "close-after", 5*time.Second, "how long to wait for the handshake/echo before closing")
	cmd.Flags().StringVar(&failureMode, "failure-mode", "soft", "protocol error handling: strict or soft")
	cmd.MarkFlagRequired("dst")
	cmd.MarkFlagRequired("src")

	return cmd
}

type connectOpts struct {
	dst         string
	src         string
	message     string
	closeAfter  time.Duration
	failureMode string
}

func runConnect(opts connectOpts) error {
	dst, err := netaddr.Parse(opts.dst)
	if err != nil {
		return fmt.Errorf("--dst: %w", err)
	}
	src, err := netaddr.Parse(opts.src)
	if err != nil {
		return fmt.Errorf("--src: %w", err)
	}

	mode := conn.Soft
	if opts.failureMode == "strict" {
		mode = conn.Strict
	}

	e := engine.New(engine.WithFailureMode(mode))
	if err := e.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Stop()

	c, err := e.NewConnection(dst, src)
	if err != nil {
		return fmt.Errorf("allocating connection: %w", err)
	}

	done := make(chan struct{})
	var closeOnce sync.Once

	c.SetConnectedCallback(func(c *conn.Connection) {
		pterm.Success.Printfln("connected %s -> %s", c.SrcAddress(), c.DstAddress())
		if opts.message != "" {
			if err := c.Send([]byte(opts.message)); err != nil {
				pterm.Error.Printfln("send failed: %v", err)
			} else {
				pterm.Info.Printfln("sent %d bytes", len(opts.message))
			}
		}
	})
	c.SetMessageCallback(func(c *conn.Connection, data []byte) {
		pterm.Info.Printfln("received %d bytes from %s: %q", len(data), c.DstAddress(), data)
	})
	c.SetClosedCallback(func(c *conn.Connection) {
		pterm.Warning.Printfln("connection %s closed", c.SrcAddress())
		closeOnce.Do(func() { close(done) })
	})

	logger.Infof("forging connection %s -> %s", src, dst)
	c.Connect()

	select {
	case <-done:
	case <-time.After(opts.closeAfter):
		pterm.Info.Println("timeout reached, closing")
		if !c.IsClosed() {
			c.Close()
		}
		<-done
	}

	return nil
}
