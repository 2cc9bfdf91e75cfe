package common

import (
	"fmt"
	"os"
	"strconv"
)

const defaultServerPort = 8865

func GetServerHost() string {
	host := os.Getenv("AGENTFLOW_SERVER_HOST")
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

func GetServerPort() int {
	port := os.Getenv("AGENTFLOW_SERVER_PORT")
	if port == "" {
		return defaultServerPort
	}

	intPort, err := strconv.Atoi(port)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse agentflow api server port: %s", port))
	}
	return intPort
}

func GetNatsServerHost() string {
	host := os.Getenv("AGENTFLOW_NATS_SERVER_HOST")
	if host == "" {
		return "localhost"
	}
	return host
}

func GetNatsServerPort() int {
	port := os.Getenv("AGENTFLOW_NATS_SERVER_PORT")
	if port == "" {
		return GetServerPort() + 1000
	}

	intPort, err := strconv.Atoi(port)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse agentflow nats server port: %s", port))
	}
	return intPort
}

func GetRedisAddress() string {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		return "localhost:6379"
	}
	return addr
}
