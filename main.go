package main

import (
	"log"

	"cafa-ticket/cmd"
	_ "cafa-ticket/migrations"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
