package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"viva/audio"
	"viva/backend"
	"viva/log"
	"viva/session"
	"viva/shutdown"
)

const testSessionID = "test-session"

// runTestMode answers with a WAV file instead of the microphone. The file
// starts playing when the first answer window opens; until then the capture
// delivers silence. With -fake-server the session runs against an
// in-process backend that asks a single question.
func runTestMode(o options) int {
	fakeCtx, err := audio.NewFakeContext(o.testWAV, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}

	if o.cfg.SessionID == "" {
		o.cfg.SessionID = testSessionID
	}
	var api backend.API
	if o.fakeServer {
		srv := backend.NewTestServer([]backend.Question{
			{ID: "q1", Text: "Tell me about yourself."},
		})
		defer srv.Close()
		api = backend.NewClient(srv.URL, "")
		log.Infof("test mode: fake backend at %s", srv.URL)
	} else {
		if err := o.cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		api = backend.NewClient(o.cfg.APIURL, o.cfg.APIToken)
	}

	console := newConsoleListener(os.Stdout)
	console.states = make(chan session.State, 64)
	ready := make(chan struct{})
	fakeCtx.HoldUntil(ready)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case st := <-console.states:
				if st == session.StateReadyForAnswer {
					close(ready)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// QUIT on stdin ends the session once it is open.
	started := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) != "QUIT" {
				continue
			}
			select {
			case <-started:
				cancel()
			case <-ctx.Done():
			}
			return
		}
	}()

	o.tui = false
	o.cues = false
	err = runEngine(ctx, engineParts{
		opts:     o,
		api:      api,
		audio:    fakeCtx,
		player:   fakeCtx.Player,
		listener: console,
		started:  started,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if info, ok := console.stopInfo(); ok && info.Forced {
		return 1
	}
	return 0
}
