package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	fmt.Println("kernel ready", os.Args[1:])
	fmt.Fprintln(os.Stderr, "kernel env", os.Getenv("KERNEL_MODE"))

	select {
	case sig := <-sigs:
		fmt.Fprintf(os.Stderr, "received %s, flushing\n", sig)
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(1)
	}
}
