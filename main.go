// The main package for the quotepipe executable.
package main

import (
	"github.com/JakeFAU/realtime-quote-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
