package main

import "github.com/signalhouse/ingest/cmd"

func main() {
	cmd.Execute()
}
