// Command tribe-session signs in to the tribe API and makes authenticated
// requests with the stored session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"lds.li/tribeclient/api"
	"lds.li/tribeclient/config"
	"lds.li/tribeclient/metrics"
	"lds.li/tribeclient/session"
)

const usage = `usage: %s [-config file] [-metrics] <command> [args]

commands:
  login <username>              sign in, reading the password from stdin
  register <email> <username>   create an account, reading the password from stdin
  logout                        sign out
  status                        print the session state
  get <path>                    GET path with the stored session
`

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "config file")
	showMetrics := fs.Bool("metrics", false, "print renewal metrics on exit")
	fs.Usage = func() { fmt.Fprintf(os.Stderr, usage, os.Args[0]) }
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	err := run(ctx, *cfgPath, metrics.New(reg), fs.Args())
	if *showMetrics {
		printMetrics(reg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, m *metrics.Metrics, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)

	backend, err := cfg.Backend()
	if err != nil {
		return err
	}

	mgr := session.New(session.Options{
		API:     cfg.API(),
		Backend: backend,
		Redirector: session.RedirectFunc(func(context.Context) {
			fmt.Fprintf(os.Stderr, "signed out; run %s login to sign in again\n", os.Args[0])
		}),
		RequestTimeout: cfg.RequestTimeout,
		RenewalTimeout: cfg.RenewalTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	mgr.Init()

	switch cmd, args := args[0], args[1:]; cmd {
	case "login":
		if len(args) != 1 {
			return errors.New("login takes a username")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		if err := mgr.Login(ctx, args[0], password); err != nil {
			return err
		}
		fmt.Printf("signed in as user %s\n", mgr.UserID())

	case "register":
		if len(args) != 2 {
			return errors.New("register takes an email and a username")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		u, err := mgr.Register(ctx, api.RegisterRequest{Email: args[0], Username: args[1], Password: password})
		if err != nil {
			return err
		}
		fmt.Printf("registered user %s (%s)\n", u.ID, u.Username)

	case "logout":
		return mgr.Logout(ctx)

	case "status":
		fmt.Printf("state: %s\n", mgr.State())
		if mgr.IsAuthenticated() {
			fmt.Printf("user: %s\n", mgr.UserID())
			if c := mgr.Credentials(); c != nil && !c.Expiry.IsZero() {
				fmt.Printf("access token expires: %s\n", c.Expiry.Local())
			}
		}

	case "get":
		if len(args) != 1 {
			return errors.New("get takes a path")
		}
		if err := mgr.RequireAuth(ctx); err != nil {
			return err
		}
		return get(ctx, mgr.Client(), strings.TrimSuffix(cfg.BaseURL, "/")+"/"+strings.TrimPrefix(args[0], "/"))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if _, err := io.Copy(os.Stdout, res.Body); err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", url, res.Status)
	}
	return nil
}

func readPassword() (string, error) {
	if p := os.Getenv(config.EnvPrefix + "_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printMetrics(g prometheus.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gathering metrics: %v\n", err)
		return
	}
	for _, mf := range mfs {
		for _, mt := range mf.GetMetric() {
			var labels []string
			for _, lp := range mt.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := mt.GetCounter().GetValue() + mt.GetGauge().GetValue()
			fmt.Fprintf(os.Stderr, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}
