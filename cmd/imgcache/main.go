// Command imgcache keeps the images around a position of a list of files
// decoded in memory.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
