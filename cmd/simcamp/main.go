// Command simcamp tracks parametric simulation campaigns on cluster
// backends.
package main

import (
	"os"

	"github.com/kiranshivaraju/simcamp/cmd/simcamp/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
