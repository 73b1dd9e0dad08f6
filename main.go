// main.go
//
// Entry point; command handling lives in cmd/root.go

package main

import (
	"github.com/BenmansourYahia/SignLanguage-Project/cmd"
)

func main() {
	cmd.Execute()
}
