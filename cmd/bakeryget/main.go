// The bakeryget command issues an HTTP request, acquiring and
// discharging any macaroons required by the server, and prints
// the response body.
//
//	bakeryget [options] <url>
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/persistent-cookiejar"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/errgo.v1"

	"github.com/jdsandifer/juju-gui/bakery"
	"github.com/jdsandifer/juju-gui/httpbakery"
)

var logger = loggo.GetLogger("jujugui.cmd.bakeryget")

type options struct {
	configFile string
	method     string
	data       string
	cookieFile string
	logging    string
	url        *url.URL
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "bakeryget: %v\n", err)
		return 2
	}
	if err := get(opts, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "bakeryget: %v\n", err)
		return 1
	}
	return 0
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	var opts options
	fs := gnuflag.NewFlagSet("bakeryget", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&opts.method, "X", "GET", "HTTP method")
	fs.StringVar(&opts.data, "d", "", "JSON request body")
	fs.StringVar(&opts.cookieFile, "cookies", "", "cookie file (overrides configuration)")
	fs.StringVar(&opts.logging, "log", "", "loggo configuration (overrides configuration)")
	if err := fs.Parse(true, args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errgo.New("usage: bakeryget [options] <url>")
	}
	u, err := url.Parse(fs.Arg(0))
	if err != nil {
		return nil, errgo.Notef(err, "invalid URL")
	}
	if !u.IsAbs() {
		return nil, errgo.Newf("URL %q is not absolute", fs.Arg(0))
	}
	opts.url = u
	return &opts, nil
}

func setupLogging(spec string, stderr io.Writer) error {
	writer := loggo.NewSimpleWriter(stderr, func(entry loggo.Entry) string {
		ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
		return fmt.Sprintf("%s %s %s %s", ts, entry.Level, entry.Module, entry.Message)
	})
	if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
		return errgo.Mask(err)
	}
	return errgo.Mask(loggo.ConfigureLoggers(spec))
}

func get(opts *options, stdout, stderr io.Writer) error {
	cfg, err := readConfig(opts.configFile)
	if err != nil {
		return errgo.Mask(err)
	}
	if opts.logging != "" {
		cfg.Logging = opts.logging
	}
	if err := setupLogging(cfg.Logging, stderr); err != nil {
		return errgo.Notef(err, "cannot configure logging")
	}
	if opts.cookieFile != "" {
		cfg.CookieFile = opts.cookieFile
	}
	if cfg.CookieFile == "" {
		cfg.CookieFile = cookiejar.DefaultCookieFile()
	}
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
		Filename:         cfg.CookieFile,
	})
	if err != nil {
		return errgo.Notef(err, "cannot load cookies")
	}
	serviceURL := &url.URL{Scheme: opts.url.Scheme, Host: opts.url.Host, Path: "/"}
	store := bakery.NewMacaroonStore(bakery.MacaroonStoreParams{
		Cookies: bakery.NewCookieStorage(jar, serviceURL),
	})
	var visitor httpbakery.Visitor
	if cfg.NonInteractive {
		visitor = &httpbakery.NonInteractiveVisitor{
			Handler: httpbakery.NewHTTPWebHandler(&http.Client{Jar: jar}),
			Login:   cfg.Login,
			Method:  cfg.LoginMethod,
		}
	}
	client, err := httpbakery.New(httpbakery.Params{
		ServiceName:    cfg.serviceName(opts.url),
		WebHandler:     httpbakery.NewHTTPWebHandler(&http.Client{Jar: jar}),
		BaseURL:        opts.url.String(),
		Store:          store,
		Visitor:        visitor,
		SetCookiePath:  cfg.SetCookiePath,
		SetCookie:      true,
		WaitRetryDelay: cfg.WaitRetryDelay,
		OnSuccess: func() {
			logger.Infof("discharge succeeded")
		},
	})
	if err != nil {
		return errgo.Mask(err)
	}
	var body []byte
	if opts.data != "" {
		body = []byte(opts.data)
	}
	resp, err := client.Do(context.Background(), opts.method, opts.url.String(), body, true)
	if saveErr := jar.Save(); saveErr != nil {
		logger.Warningf("cannot save cookies: %v", saveErr)
	}
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	if _, err := io.Copy(stdout, bytes.NewReader(resp.Body)); err != nil {
		return errgo.Notef(err, "cannot write response")
	}
	return nil
}
