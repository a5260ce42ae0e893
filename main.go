// ./main.go
package main

import (
	"github.com/xkilldash9x/unlock-cli/cmd"
)

func main() {
	cmd.Execute()
}
