package main

import (
	"fmt"
	"os"

	"github.com/kepler9870u0987/mail-ingestion/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
