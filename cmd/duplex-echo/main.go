// Command duplex-echo runs an echo server or client over sealed duplex
// streams on TCP.
//
// The server answers every connection with a stream that echoes whatever it
// reads until the peer closes. The client sends a message a number of times,
// checks each echo, and closes cleanly.
//
// Usage:
//
//	duplex-echo -mode server [flags]
//	duplex-echo -mode client [flags]
//
// Flags:
//
//	-mode string       server or client (default "server")
//	-addr string       Listen or dial address (default "127.0.0.1:7443")
//	-config string     Stream configuration file (YAML)
//	-message string    Message the client sends (default "ping")
//	-count int         How many times the client sends it (default 3)
//	-rekey             Client requests a key update after the first echo
//	-interactive       Client reads lines to send from the terminal
//	-advertise string  Server announces itself over mDNS under this name
//	-discover          Client finds a server over mDNS instead of -addr
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-event-log string  File path for stream event logging (CBOR format)
//
// Examples:
//
//	# Terminal 1
//	duplex-echo -mode server -event-log server.dlog
//
//	# Terminal 2
//	duplex-echo -mode client -message hello -count 10 -rekey
//	duplex-echo -mode client -interactive
//
//	# Afterwards
//	duplex-log stats server.dlog
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duplex-tls/duplex-go/cmd/duplex-echo/interactive"
	"github.com/duplex-tls/duplex-go/pkg/duplex"
	"github.com/duplex-tls/duplex-go/pkg/log"
)

var (
	mode     = flag.String("mode", "server", "server or client")
	addr     = flag.String("addr", "127.0.0.1:7443", "Listen or dial address")
	cfgFile  = flag.String("config", "", "Stream configuration file (YAML)")
	message  = flag.String("message", "ping", "Message the client sends")
	count    = flag.Int("count", 3, "How many times the client sends the message")
	rekey    = flag.Bool("rekey", false, "Client requests a key update after the first echo")
	interact = flag.Bool("interactive", false, "Client reads lines to send from the terminal")
	announce = flag.String("advertise", "", "Server announces itself over mDNS under this name")
	browse   = flag.Bool("discover", false, "Client finds a server over mDNS instead of -addr")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	eventLog = flag.String("event-log", "", "File path for stream event logging (CBOR format)")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	cfg := duplex.DefaultConfig()
	if *cfgFile != "" {
		var err error
		cfg, err = duplex.LoadConfig(*cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	opts := []duplex.Option{duplex.WithConfig(cfg), duplex.WithLogger(logger)}

	var eventLogger *log.FileLogger
	if *eventLog != "" {
		var err error
		eventLogger, err = log.NewFileLogger(*eventLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create event logger: %v\n", err)
			os.Exit(1)
		}
		defer eventLogger.Close()
		logger.Info("event logging enabled", "path", *eventLog)
	}
	// Stream events also reach the console, errors at warn level.
	opts = append(opts, duplex.WithEventLogger(log.NewMultiLogger(
		fileLoggerOrNil(eventLogger),
		log.NewSlogAdapter(logger),
	)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "server":
		err = runServer(ctx, *addr, *announce, logger, opts...)
	case "client":
		target := *addr
		if *browse {
			target, err = discoverAddr(ctx, logger)
			if err != nil {
				break
			}
		}
		if *interact {
			err = runInteractive(ctx, stop, target, opts...)
		} else {
			err = runClient(ctx, target, *message, *count, *rekey, os.Stdout, opts...)
		}
	default:
		err = fmt.Errorf("mode must be 'server' or 'client', got %q", *mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if eventLogger != nil {
			eventLogger.Close()
		}
		os.Exit(1)
	}
}

func discoverAddr(ctx context.Context, logger *slog.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	logger.Info("browsing for echo servers", "service", serviceType)
	addr, err := discover(ctx)
	if err != nil {
		return "", err
	}
	logger.Info("found echo server", "addr", addr)
	return addr, nil
}

func runInteractive(ctx context.Context, cancel context.CancelFunc, addr string, opts ...duplex.Option) error {
	s, err := dialStream(ctx, addr, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := interactive.New(s)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Connected to %s as stream %s\n", addr, s.ID())
	c.Run(ctx, cancel)
	return nil
}

// fileLoggerOrNil avoids handing MultiLogger a typed nil.
func fileLoggerOrNil(l *log.FileLogger) log.Logger {
	if l == nil {
		return nil
	}
	return l
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
