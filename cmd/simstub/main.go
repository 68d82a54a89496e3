// Command simstub is a minimal world simulation process. It binds a TCP
// port, announces it on stdout in the format the control plane watches
// for, and then idles accepting connections until terminated. It stands
// in for a full simulation binary during development and in tests.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

const portScanLimit = 20

func main() {
	var (
		worldID      = flag.String("world", "", "world id this process simulates")
		port         = flag.Int("port", 7777, "suggested TCP port; the next free port is used if taken")
		controlPlane = flag.String("control-plane", "", "base URL of the control plane")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[simstub] ", log.LstdFlags|log.Lmicroseconds)
	if *worldID == "" {
		logger.Fatal("missing required -world flag")
	}

	ln, actual, err := listen(*port)
	if err != nil {
		logger.Fatalf("bind: %v", err)
	}
	defer ln.Close()

	// The control plane parses these two lines to learn the bound port
	// and to decide the process is ready. Keep them stable.
	fmt.Printf("GAMESERVER_PORT=%d\n", actual)
	fmt.Printf("TCP server listening on port %d\n", actual)
	logger.Printf("world %s up on port %d (control plane %s)", *worldID, actual, *controlPlane)

	go serve(ln, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Printf("received %s, shutting down", s)
}

// listen binds the suggested port, scanning upward when it is taken.
func listen(suggested int) (net.Listener, int, error) {
	for p := suggested; p < suggested+portScanLimit; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(p)))
		if err == nil {
			return ln, p, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d)", suggested, suggested+portScanLimit)
}

func serve(ln net.Listener, logger *log.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}()
	}
}
