// Command wcf-stub serves the module's RPC protocol from an in-memory emulation, for running
// the bridge without the instrumented application.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wcf-bridge/config"
	"wcf-bridge/logging"
	"wcf-bridge/message"
	"wcf-bridge/middleware"
	"wcf-bridge/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("wcf-stub", pflag.ContinueOnError)
	network := flagSet.String("network", "tcp", "tcp or unix")
	listen := flagSet.StringP("listen", "l", "127.0.0.1:10086", "listen address or socket path")
	wxid := flagSet.String("wxid", "wxid_stub", "account reported by GET_SELF_WXID")
	every := flagSet.Duration("push-every", 0, "queue a synthetic text message at this interval, 0 disables")
	level := flagSet.String("log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	lcfg := config.Default().Log
	lcfg.Level = *level
	log, err := logging.New(lcfg, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Named("stub")

	svr := server.NewServer(server.WithLogger(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.SetSelfWxid(*wxid)
	if err := svr.Start(*network, *listen); err != nil {
		return err
	}
	logger.Info("module stub listening", zap.Stringer("addr", svr.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *every > 0 {
		go pushLoop(ctx, svr, *every)
	}

	<-ctx.Done()
	return svr.Shutdown(5 * time.Second)
}

func pushLoop(ctx context.Context, svr *server.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var id uint64
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if !svr.Receiving() {
				continue
			}
			id++
			svr.Push(&message.WxMsg{
				ID:      id,
				Type:    message.KindText,
				Ts:      uint32(t.Unix()),
				Sender:  "wxid_stub_peer",
				Content: fmt.Sprintf("ping %d", id),
			})
		}
	}
}
