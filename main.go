package main

import (
	"os"

	"github.com/xiaot623/gogo/evaluator/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
