// The main package for the feedspider executable.
package main

import (
	"github.com/JakeFAU/feedspider/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
