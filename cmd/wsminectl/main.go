package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/wsmine/internal/client"
	"github.com/danmuck/wsmine/internal/observability"
	"github.com/rs/zerolog"
)

const appName = "wsminectl"

type options struct {
	profilePath string
	address     string
	prefix      string
	size        uint64
	offset      uint64
	start       string
	end         string
	payloadPath string
	shards      int
	noVerify    bool
}

func main() {
	logger := observability.InitLogger(appName)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.profilePath, "profile", "", "client profile toml")
	fs.StringVar(&opts.address, "addr", "", "server address (overrides profile)")
	fs.StringVar(&opts.prefix, "prefix", "", "digest prefix in lowercase hex nibbles")
	fs.Uint64Var(&opts.size, "size", 0, "window width in bytes, one counter bit each")
	fs.Uint64Var(&opts.offset, "offset", 0, "window byte offset in the payload")
	fs.StringVar(&opts.start, "start", "0", "first counter, hex")
	fs.StringVar(&opts.end, "end", "0", "end counter (exclusive), hex")
	fs.StringVar(&opts.payloadPath, "payload", "-", "payload file, - for stdin")
	fs.IntVar(&opts.shards, "shards", 0, "split the range over this many connections (overrides profile)")
	fs.BoolVar(&opts.noVerify, "no-verify", false, "skip local verification of reported matches")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func buildRequest(opts options, stdin io.Reader) (client.Request, error) {
	start, ok := new(big.Int).SetString(opts.start, 16)
	if !ok || start.Sign() < 0 {
		return client.Request{}, fmt.Errorf("invalid start %q", opts.start)
	}
	end, ok := new(big.Int).SetString(opts.end, 16)
	if !ok || end.Sign() < 0 {
		return client.Request{}, fmt.Errorf("invalid end %q", opts.end)
	}

	var payload []byte
	var err error
	if opts.payloadPath == "-" {
		payload, err = io.ReadAll(stdin)
	} else {
		payload, err = os.ReadFile(opts.payloadPath)
	}
	if err != nil {
		return client.Request{}, fmt.Errorf("read payload: %w", err)
	}

	return client.Request{
		Prefix:  opts.prefix,
		Size:    opts.size,
		Offset:  opts.offset,
		Start:   start,
		End:     end,
		Payload: payload,
	}, nil
}

// run submits one search and prints each match as a hex line. A 404 prints
// nothing and is not an error.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, logger zerolog.Logger) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}
	p := defaultProfile()
	if opts.profilePath != "" {
		if p, err = loadProfile(opts.profilePath); err != nil {
			return err
		}
	}
	if opts.address != "" {
		p.Client.Address = opts.address
	}
	if opts.shards > 0 {
		p.Shards = opts.shards
	}
	if opts.noVerify {
		p.Client.Verify = false
	}
	p.Client.Logger = logger

	req, err := buildRequest(opts, stdin)
	if err != nil {
		return err
	}
	c, err := client.New(p.Client)
	if err != nil {
		return err
	}

	var res client.Result
	if p.Shards > 1 {
		res, err = c.SearchSharded(ctx, req, p.Shards)
		if err == nil {
			for _, i := range res.Matches {
				fmt.Fprintf(stdout, "%x\n", i)
			}
		}
	} else {
		res, err = c.Search(ctx, req, func(i *big.Int) error {
			_, err := fmt.Fprintf(stdout, "%x\n", i)
			return err
		})
	}
	if err != nil {
		return err
	}

	logger.Info().
		Str("addr", p.Client.Address).
		Int("matches", len(res.Matches)).
		Bool("not_found", res.NotFound).
		Dur("duration", res.Duration).
		Msg("search complete")
	return nil
}
