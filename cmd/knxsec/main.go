// Command knxsec opens KNXnet/IP (secure) tunnel connections and derives KNX IP Secure key hashes.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
