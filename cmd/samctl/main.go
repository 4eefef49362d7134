// Command samctl drives a single serial-attached request transmission
// layer link from the terminal: a REPL for sending ad-hoc commands and
// watching events, plus a small HTTP stats endpoint. Structure and CLI
// flag handling follow cmd/serial-server/main.go in the teacher repo;
// the TCP-listener/multi-port bridge concept there is replaced by one
// RTL session per invocation, per this tool's scope.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssamrtl/ssamrtl/config"
	"github.com/ssamrtl/ssamrtl/ptl/transport"
	"github.com/ssamrtl/ssamrtl/rtl"
)

func main() {
	var (
		configPath = flag.String("config", "ssamrtl.ini", "path to link configuration file")
		linkName   = flag.String("link", "", "section name of the link to open (first link if empty)")
		statsAddr  = flag.String("stats-addr", "", "address to serve JSON stats on, e.g. :8091 (disabled if empty)")
		useMonitor = flag.Bool("monitor", false, "show a full-screen live event dashboard instead of the REPL")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("samctl: %v", err)
	}

	link := selectLink(cfg, *linkName)
	if link == nil {
		log.Fatalf("samctl: no link configured (use -config or -link)")
	}

	port, err := transport.Open(transport.Config{
		Port:     link.SerialPort,
		Baud:     link.BaudRate,
		DataBits: link.DataBits,
		StopBits: link.StopBits,
		Parity:   link.Parity,
	})
	if err != nil {
		log.Fatalf("samctl: open %s: %v", link.SerialPort, err)
	}

	events := newEventLog(256)
	r := rtl.NewOverTransport(port, events, rtl.Config{
		RequestTimeout: link.RequestTimeout,
		MaxPending:     link.MaxPending,
	})
	if err := r.Start(); err != nil {
		log.Fatalf("samctl: start: %v", err)
	}

	var stats *statsServer
	if *statsAddr != "" {
		stats = newStatsServer(*statsAddr, events)
		stats.Start()
	}

	fmt.Printf("samctl: connected to %s (%s) as link %q\n", link.SerialPort, link.DisplayFormat, link.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nsamctl: shutting down...")
		r.Shutdown()
		r.Destroy()
		os.Exit(0)
	}()

	if *useMonitor {
		mon, err := newMonitor(events)
		if err != nil {
			log.Fatalf("samctl: %v", err)
		}
		mon.Run()
	} else {
		repl := newREPL(r, link, events)
		repl.Run()
	}

	r.Shutdown()
	r.Destroy()
	if stats != nil {
		stats.Stop()
	}
}

func selectLink(cfg *config.Config, name string) *config.Link {
	if name != "" {
		return cfg.FindByName(name)
	}
	if len(cfg.Links) == 0 {
		return nil
	}
	return cfg.Links[0]
}
