package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
	"github.com/ChuLiYu/beaver-watchdog/pkg/watchdog"
)

// Usage: demo <path-to-beaver-watchdog>
//
// Two protected sections separated by an unprotected one. Kill the demo
// (kill -STOP or kill -9) during a protected section and the watchdog
// restarts it; kill the watchdog and the demo restarts it.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo <path-to-beaver-watchdog>")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("✓ Demo started (pid: %d)\n", os.Getpid())

	if !protect(sigChan, time.Second, 2, 20) {
		return
	}

	fmt.Println("\n⚠️  Unprotected section")
	for i := 0; i < 4; i++ {
		fmt.Printf("      app: keep your protection! %d\n", i)
		time.Sleep(time.Second)
	}

	protect(sigChan, time.Second, 4, 5)
}

// protect runs rounds of 2s work under supervision. It returns false when
// interrupted.
func protect(sigChan <-chan os.Signal, interval time.Duration, threshold, rounds int) bool {
	if status := watchdog.Start(os.Args, interval, threshold); status != types.StatusSuccess {
		fmt.Fprintf(os.Stderr, "Failed to start watchdog: %s\n", status)
		os.Exit(1)
	}
	defer watchdog.Stop()

	fmt.Printf("\n---------- PROTECTED SECTION (interval=%s, threshold=%d) ----------\n\n", interval, threshold)

	for i := 0; i < rounds; i++ {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			return false
		case <-time.After(2 * time.Second):
		}
		if i%5 == 0 {
			fmt.Println("\tapp: protect me ...")
		}
	}

	fmt.Println("\n------ END OF PROTECTED SECTION ------")
	return true
}
