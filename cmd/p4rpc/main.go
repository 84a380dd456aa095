// Command p4rpc runs commands against a Perforce server over the p4rpc
// wire-protocol client, manages the trust file, and can serve a small demo
// server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
