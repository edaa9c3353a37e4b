// ./main.go
package main

import (
	"github.com/xkilldash9x/netlogger/cmd"
)

// main is the entry point for the netlogger CLI.
func main() {
	cmd.Execute()
}
