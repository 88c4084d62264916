// Command ytdash syncs a YouTube channel's uploads into the dashboard store.
package main

import (
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
