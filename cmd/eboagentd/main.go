package main

import (
	"log"

	agent "eboagent/services/eboagentd"
)

func main() {
	if err := agent.Main(); err != nil {
		log.Fatalf("eboagentd: %v", err)
	}
}
