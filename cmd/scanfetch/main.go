// The main package for the scanfetch executable.
package main

import (
	"github.com/JakeFAU/scanfetch/cmd"
)

func main() {
	cmd.Execute()
}
