// The main package for the sitecrawler executable.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/JakeFAU/sitecrawler/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "sitecrawler:", err)
		os.Exit(1)
	}
}
