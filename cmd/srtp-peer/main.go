// Command srtp-peer negotiates a DTLS-SRTP session with a remote peer and
// exchanges protected RTP packets until interrupted.
//
// Usage:
//
//	srtp-peer --role responder --listen :5006 --remote 127.0.0.1:5004
//	srtp-peer --role initiator --listen :5004 --remote 127.0.0.1:5006
//
// Flags:
//
//	--config       YAML file with option defaults
//	--role         initiator or responder (default: initiator)
//	--listen       local UDP address (default: :5004)
//	--remote       peer UDP address (default: 127.0.0.1:5006)
//	--profiles     SRTP protection profiles in preference order
//	--cert, --key  PEM certificate and key (default: self-signed)
//	--fingerprint  expected peer certificate fingerprint
//	--log-level    error, warn, info, debug or trace (default: info)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/backkem/dtlssrtp/examples/common"
	"github.com/backkem/dtlssrtp/examples/peer"
	"github.com/spf13/pflag"
)

func main() {
	opts, err := common.ParseFlags("srtp-peer", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	loggerFactory, err := common.NewLoggerFactory(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	p, err := peer.New(opts, loggerFactory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create peer: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := common.SignalContext()
	defer stop()

	if err := p.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sent, received := p.Stats()
	fmt.Printf("sent %d packets, received %d packets\n", sent, received)
}
