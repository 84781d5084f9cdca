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
			fmt.Fprintln(os.Stderr, "usage: stockcount setup [--addr :8080] [--db-path data/stockcount.db] [--yaml] [--force]")
			fmt.Fprintln(os.Stderr, "       stockcount seed --file org.yaml")
			fmt.Fprintln(os.Stderr, "       stockcount run")
			fmt.Fprintln(os.Stderr, "       stockcount export|import --count <id> ...")
			fmt.Fprintln(os.Stderr, "       stockcount approver --count <id> [--list]")
			os.Exit(2)
		}
		log.Fatal(err)
	}
}
