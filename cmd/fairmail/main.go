package main

import (
	"fmt"
	"os"

	fairmail "github.com/fairmail/fairmail/cmd/fairmail-cli"
)

func main() {
	app := fairmail.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
