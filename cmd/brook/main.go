package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"

	_ "github.com/casualjim/brook/provider/anthropic"
	_ "github.com/casualjim/brook/provider/openai"
	_ "github.com/casualjim/brook/topics/kafka"
	_ "github.com/casualjim/brook/topics/local"
	_ "github.com/casualjim/brook/topics/nats"
	_ "github.com/casualjim/brook/topics/rabbitmq"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
