package main

import "github.com/FrankiePower/Reactive-autolend/internal/cli"

func main() {
	cli.Execute()
}
