// Command socksgated is a local SOCKS5 server: it owns the listening
// socket and process lifecycle and hands every accepted connection to the
// engine through the stream adapter.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"socksgate/pkg/socks"
	"socksgate/pkg/stream"
)

var (
	listenAddr     = flag.StringP("listen", "l", "127.0.0.1:1080", "listen address")
	connectTimeout = flag.DurationP("connect-timeout", "t", socks.DefaultConnectTimeout, "outbound connect timeout")
	highWaterMark  = flag.Int("high-water-mark", stream.DefaultHighWaterMark, "relay read-ahead limit in bytes")
	verbose        = flag.BoolP("verbose", "v", false, "enable debug logging")
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	flag.Parse()
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("listen", *listenAddr).Msg("listen failed")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info().Str("listen", ln.Addr().String()).Msg("serving SOCKS5")

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go serve(ctx, c)
	}
}

func serve(ctx context.Context, c net.Conn) {
	conn := socks.NewConn(socks.Config{
		ConnectTimeout: *connectTimeout,
		Logger:         &log.Logger,
	})

	err := stream.Serve(ctx, c, conn, stream.Config{HighWaterMark: *highWaterMark})
	if err != nil {
		log.Debug().Err(err).Stringer("conn", conn.ID).Msg("session ended")
	}
}
