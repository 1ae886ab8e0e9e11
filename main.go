package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetesla51/aurora/server"
)

func main() {
	cfg := server.DefaultConfig()
	flag.StringVar(&cfg.Host, "host", cfg.Host, "address to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on, 0 for any")
	flag.StringVar(&cfg.CertFile, "cert", "", "PEM certificate, enables TLS together with -key")
	flag.StringVar(&cfg.KeyFile, "key", "", "PEM private key")
	flag.BoolVar(&cfg.TLSKeepAlive, "tls-keepalive", false, "keep TLS connections open between requests")
	flag.BoolVar(&cfg.EnableLogging, "log", true, "log every request")
	flag.BoolVar(&cfg.MemoryMonitoring, "memstats", false, "log memory stats periodically")
	flag.BoolVar(&cfg.IOMonitoring, "iostats", false, "log io stats periodically")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	log := server.NewLogger(nil, *verbosity)
	cfg.Logger = &log

	var srv *server.Server
	cfg.Handler = func(req *server.Request) {
		resp := server.NewResponse()
		defer resp.Release()

		switch req.Target() {
		case "/hello":
			resp.AddHeader("Content-Type", "text/plain")
			resp.SetBodyString("hi")
		case "/time":
			resp.AddHeader("Content-Type", "text/plain")
			resp.SetBodyString(time.Now().Format("15:04:05"))
		case "/stats":
			data, err := srv.StatsJSON()
			if err != nil {
				resp.SetStatus(500)
				break
			}
			resp.AddHeader("Content-Type", "application/json")
			resp.SetBody(data)
		default:
			resp.SetStatus(404)
			resp.AddHeader("Content-Type", "text/plain")
			resp.SetBodyString("Route Not found")
		}
		req.Respond(resp)
	}

	var err error
	srv, err = server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error creating server:", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Stop()
	}()

	if err := srv.Listen(); err != nil {
		log.Error(err, "listen failed")
	}
	if err := srv.Destroy(); err != nil {
		log.Error(err, "shutdown failed")
		os.Exit(1)
	}
}
