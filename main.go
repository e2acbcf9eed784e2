package main

import (
	_ "time/tzdata"

	"github.com/username/tradejournal/backend/src/cmd"
)

func main() {
	cmd.Execute()
}
