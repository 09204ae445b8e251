// Command pantheon serves logged-in chat websites as an OpenAI-compatible API.
//
// Each site is a category. Requests for a category are routed to one of a
// bounded set of browser tabs open on that site; the reply is read back once
// the page stops changing.
package main

import (
	"os"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
