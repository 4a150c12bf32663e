// The pciebridge command inspects transaction-layer packets and runs a
// bridged simulated device from the command line.
package main

import (
	"github.com/tebeka/atexit"
)

func main() {
	Execute()
	atexit.Exit(0)
}
