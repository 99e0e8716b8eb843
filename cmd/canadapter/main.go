package main

import "github.com/vehiclelink/canadapter/cli"

func main() {
	cli.Execute()
}
