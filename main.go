// collabd is the real-time collaborative document server.
package main

import "collab.evalgo.org/cli"

func main() {
	cli.Execute()
}
