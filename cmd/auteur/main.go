// Command auteur runs the voice cinematographer session server.
package main

import (
	"fmt"
	"os"
)

func main() {
	app := newCLIApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "auteur: %v\n", err)
		os.Exit(1)
	}
}
