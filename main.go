// The main package for the crawl-downloader executable.
package main

import (
	"github.com/JakeFAU/crawl-downloader/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
