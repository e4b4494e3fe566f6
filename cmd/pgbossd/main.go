// Command pgbossd is the pgboss supervisor binary.
package main

import (
	"os"

	"github.com/pgboss/pgboss/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version, os.Args[1:]))
}
