// The main package for the collection-core executable.
package main

import (
	"github.com/arenalab/collection-core/cmd"
)

func main() {
	cmd.Execute()
}
