package main

import "github.com/rudransh-shrivastava/sharedrop/internal/cli"

func main() {
	cli.Execute()
}
