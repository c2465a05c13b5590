package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	// Ignore termination so that only a kill stops us.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for s := range sigs {
			fmt.Printf("ignoring %v\n", s)
		}
	}()

	fmt.Println("stubborn kernel started")
	for {
		time.Sleep(time.Second)
	}
}
