// The main package for the fnscraper executable.
package main

import (
	"github.com/JakeFAU/fnscraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
