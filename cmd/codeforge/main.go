// Command codeforge runs the multi-agent code generation engine.
package main

import (
	"context"
	"fmt"
	"os"

	"codeforge/internal/cmd"
	"codeforge/pkg/logx"
)

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup runs before os.Exit.
func run() int {
	defer logx.Sync()
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
