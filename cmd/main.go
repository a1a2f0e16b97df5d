package main

import (
	"github.com/optics-collector/cmd/agent"
)

func main() {
	agent.Execute()
}
