package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/Bruce-k901/My-App-sub012/internal/stockcli"
)

func main() {
	if err := stockcli.Execute(os.Args[1:]); err != nil {
		if errors.Is(err, stockcli.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr)
			stockcli.PrintUsage(os.Stderr)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}
