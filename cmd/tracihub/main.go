// Main package for the tracihub binary: a TraCI multiplexing hub between
// one SUMO instance and several control clients.
package main

import (
	goerrs "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/opentraffic/tracihub/pkg/hub"
	"github.com/opentraffic/tracihub/pkg/transport"
)

type options struct {
	sumoHost   string
	sumoPort   int
	stepLength int

	wsPort     int
	wsEndpoint string

	clientPorts []int
}

func printUsage(out io.Writer, argv0 string) {
	fmt.Fprintf(out, "   Usage:\t%s [options] sumo_port client_port [client_port ...]\n\n", argv0)
	fmt.Fprintln(out, "Options:")
	fmt.Fprintf(out, "\t%-30sThe host where the SUMO is located. [default: localhost]\n", "--sumo-host HOST")
	fmt.Fprintf(out, "\t%-30sThe time (in ms) a timestep is supposed to represent. [default 1000]\n", "--step-length NUM")
	fmt.Fprintf(out, "\t%-30sAccept one additional client over WebSocket on this port.\n", "--ws-port NUM")
	fmt.Fprintf(out, "\t%-30sHTTP endpoint for WebSocket clients. [default /traci]\n", "--ws-endpoint PATH")
	fmt.Fprintf(out, "\t%-30sDisplay this message.\n", "--help -h")
}

func parseArgs(argv0 string, args []string, errOut io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet(argv0, flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {}

	fs.StringVar(&opts.sumoHost, "sumo-host", "localhost", "The host where the SUMO is located")
	fs.IntVar(&opts.stepLength, "step-length", 1000, "The time (in ms) a timestep is supposed to represent")
	fs.IntVar(&opts.wsPort, "ws-port", 0, "Accept one additional client over WebSocket on this port")
	fs.StringVar(&opts.wsEndpoint, "ws-endpoint", "/traci", "HTTP endpoint for WebSocket clients")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fail := func(format string, args ...interface{}) (*options, error) {
		err := fmt.Errorf(format, args...)
		fmt.Fprintln(errOut, err)
		return nil, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fail("Missing SUMO server port.")
	}

	sumoPort, err := strconv.Atoi(rest[0])
	if err != nil {
		return fail("Cannot parse SUMO server port %q", rest[0])
	}
	opts.sumoPort = sumoPort
	rest = rest[1:]

	if len(rest) == 0 && opts.wsPort == 0 {
		return fail("Missing port for at least one client.")
	}

	for _, arg := range rest {
		port, err := strconv.Atoi(arg)
		if err != nil {
			return fail("Cannot parse client port %q", arg)
		}
		opts.clientPorts = append(opts.clientPorts, port)
	}

	return opts, nil
}

func run() int {
	argv0 := "tracihub"
	if len(os.Args) >= 1 {
		argv0 = os.Args[0]
	}

	opts, err := parseArgs(argv0, os.Args[1:], os.Stderr)
	if goerrs.Is(err, flag.ErrHelp) {
		printUsage(os.Stdout, argv0)
		return 0
	}
	if err != nil {
		printUsage(os.Stderr, argv0)
		return 1
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	listeners := []transport.Listener{}
	for _, port := range opts.clientPorts {
		ln, err := transport.NewTCPListener(port)
		if err != nil {
			logger.Error("Failed to open client listening port", zap.Int("port", port), zap.Error(err))
			return 2
		}
		listeners = append(listeners, ln)
	}

	if opts.wsPort != 0 {
		ln, err := transport.NewWebSocketListener(transport.WebSocketListenerParams{
			Port:     opts.wsPort,
			Endpoint: opts.wsEndpoint,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("Failed to open WebSocket listening port", zap.Int("port", opts.wsPort), zap.Error(err))
			return 2
		}
		listeners = append(listeners, ln)
	}

	h := hub.New(hub.Config{
		SumoHost:   opts.sumoHost,
		SumoPort:   opts.sumoPort,
		StepLength: opts.stepLength,
		Logger:     logger,
	}, listeners)

	return h.Execute()
}

func main() {
	os.Exit(run())
}
