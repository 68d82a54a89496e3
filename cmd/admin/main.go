// Command admin inspects a control plane deployment from the shell.
// It reads the metadata database directly and talks to the loopback
// admin endpoints of a running server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "servers":
			serversCmd(os.Args[2:])
			return
		case "stop":
			stopCmd(os.Args[2:])
			return
		case "-h", "--help", "help":
			usage()
			return
		}
	}
	dbCmd(os.Args[1:])
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  admin db [-db ./data/spells.db] [-world W] [-spell S] [-limit N] worlds|ops|spells|revisions|jobs
  admin servers [-url http://127.0.0.1:8080]
  admin stop -world W [-url http://127.0.0.1:8080]`)
}
