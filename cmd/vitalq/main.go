package main

import (
	"os"

	"github.com/webqx/vitalq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
