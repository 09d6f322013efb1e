package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmartins/backline"
	"github.com/lmartins/backline/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "user id to authenticate as")
	relayFlag := flag.String("relay", "", "relay websocket URL (overrides config)")
	directoryFlag := flag.String("directory", "", "data API base URL (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}

	client, err := backline.New(backline.Params{
		SessionName:  sessionName,
		UserID:       *userFlag,
		RelayURL:     *relayFlag,
		DirectoryURL: *directoryFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	events, unsub := client.Subscribe("", 256)
	defer unsub()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("session %q up as %s (%s)\n", sessionName, *userFlag, client.ConnectionState())
	for {
		select {
		case evt := <-events:
			fmt.Printf("%s %s\n", evt.Timestamp.Format("15:04:05"), evt.Kind)
		case <-sigCh:
			return
		}
	}
}
