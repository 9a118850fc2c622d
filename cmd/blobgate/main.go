// Command blobgate serves SOCKS5 connections over an Azure Blob Storage
// rendezvous: a peer writes mux frames into one blob and reads replies
// from another, so the gateway needs no inbound connectivity at all.
//
// The connection string is the base64-encoded container URL including its
// SAS token, e.g. base64("https://account.blob.core.windows.net/container?sv=..").
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"socksgate/pkg/mux"
	"socksgate/pkg/socks"
	"socksgate/pkg/transport"
)

// Blob names for the two transfer directions, from the peer's point of
// view.
const (
	requestBlobName  = "request"  // peer-to-gateway frames
	responseBlobName = "response" // gateway-to-peer frames
)

var (
	connString     = flag.StringP("conn-string", "c", "", "base64 container URL with SAS token")
	sealKey        = flag.StringP("key", "k", "", "base64 32-byte key sealing all frames (optional)")
	connectTimeout = flag.DurationP("connect-timeout", "t", socks.DefaultConnectTimeout, "outbound connect timeout")
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
	if *connString == "" {
		log.Fatal().Msg("missing connection string")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	tr, err := buildTransport(*connString, *sealKey)
	if err != nil {
		log.Fatal().Err(err).Msg("transport setup failed")
	}

	handler := mux.NewHandler(ctx, tr, mux.Config{
		Engine: socks.Config{ConnectTimeout: *connectTimeout},
		Logger: &log.Logger,
	})

	log.Info().Msg("serving SOCKS5 over blob rendezvous")
	handler.Run()
}

// buildTransport assembles the blob transport and, when a key is given,
// the sealing layer on top of it.
func buildTransport(connString, sealKey string) (transport.Transport, error) {
	storageURL, container, sasToken, err := parseConnectionString(connString)
	if err != nil {
		return nil, err
	}

	pipeline := azblob.NewPipeline(azblob.NewAnonymousCredential(), azblob.PipelineOptions{})
	containerURL, err := url.Parse(fmt.Sprintf("%s/%s?%s", storageURL, container, sasToken))
	if err != nil {
		return nil, fmt.Errorf("container URL: %w", err)
	}
	c := azblob.NewContainerURL(*containerURL, pipeline)

	var tr transport.Transport = transport.NewBlobTransport(
		c.NewBlockBlobURL(requestBlobName),
		c.NewBlockBlobURL(responseBlobName),
	)

	if sealKey != "" {
		key, err := base64.StdEncoding.DecodeString(sealKey)
		if err != nil {
			return nil, fmt.Errorf("decode seal key: %w", err)
		}
		sealed, code := transport.NewSealed(tr, key)
		if code != transport.ErrNone {
			return nil, fmt.Errorf("seal key must be %d bytes", transport.KeySize)
		}
		tr = sealed
	}

	return tr, nil
}

// parseConnectionString splits a base64 container URL into storage URL,
// container name, and SAS token.
func parseConnectionString(connString string) (string, string, string, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(connString, "="))
	if err != nil {
		return "", "", "", fmt.Errorf("decode connection string: %w", err)
	}

	u, err := url.Parse(string(decoded))
	if err != nil {
		return "", "", "", fmt.Errorf("parse connection string: %w", err)
	}

	container := strings.TrimPrefix(u.Path, "/")
	if container == "" {
		return "", "", "", fmt.Errorf("connection string has no container")
	}
	if u.RawQuery == "" {
		return "", "", "", fmt.Errorf("connection string has no SAS token")
	}

	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), container, u.RawQuery, nil
}
